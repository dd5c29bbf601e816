package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "INVALID_STATE", "rotation in progress")

	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.Code != "INVALID_STATE" || resp.Message != "rotation in progress" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Reason string `json:"reason"`
	}

	tests := []struct {
		name       string
		input      string
		allowEmpty bool
		wantErr    bool
		want       string
	}{
		{"valid", `{"reason":"scheduled"}`, false, false, "scheduled"},
		{"empty allowed", ``, true, false, ""},
		{"empty rejected", ``, false, true, ""},
		{"unknown field", `{"reason":"x","extra":1}`, false, true, ""},
		{"trailing value", `{"reason":"x"}{"reason":"y"}`, false, true, ""},
		{"malformed", `{"reason":`, true, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.input))
			var got body
			err := DecodeJSON(req, &got, tt.allowEmpty)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if got.Reason != tt.want {
				t.Errorf("expected reason %q, got %q", tt.want, got.Reason)
			}
		})
	}
}
