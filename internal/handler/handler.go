// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/middleware"
	"agent-trust-service/internal/trust"
	"agent-trust-service/pkg/httputil"
)

var agentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxHistoryLimit はローテーション履歴の取得上限。
const maxHistoryLimit = 100

func validateAgentID(agentID string) error {
	if agentID == "" || len(agentID) > 64 || !agentIDRegex.MatchString(agentID) {
		return domain.ErrInvalidAgentID
	}
	return nil
}

// agentIDParam はパスのagent_idを検証して返す。不正なら400を書き込みfalseを返す。
func agentIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	agentID := chi.URLParam(r, "agent_id")
	if err := validateAgentID(agentID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid agent ID format")
		return "", false
	}
	return agentID, true
}

// decodeBody はリクエストボディを読み込む。不正なら400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	if err := httputil.DecodeJSON(r, dst, allowEmpty); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	return true
}

// parseLimit はクエリのlimitを読み込む。未指定ならdefaultValを返す。
func parseLimit(r *http.Request, defaultVal, maxVal int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > maxVal {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(maxVal))
	}
	return n, nil
}

// writeError はエラーをHTTPステータスへ変換して書き込み、監査ログを残す。
func writeError(ctx context.Context, w http.ResponseWriter, operation, agentID string, err error) {
	middleware.WriteAuditLog(ctx, operation, agentID, "", "FAILED")

	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		httputil.Error(w, http.StatusNotFound, "AGENT_NOT_FOUND", "agent not found")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found for this agent")
	case errors.Is(err, domain.ErrTrustScoreNotFound):
		httputil.Error(w, http.StatusNotFound, "TRUST_SCORE_NOT_FOUND", "trust score not found for this agent")
	case errors.Is(err, domain.ErrInvalidState):
		httputil.Error(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, domain.ErrVerificationFailed):
		httputil.Error(w, http.StatusUnprocessableEntity, "VERIFICATION_FAILED", err.Error())
	case errors.Is(err, domain.ErrRequestExpired):
		httputil.Error(w, http.StatusForbidden, "REQUEST_EXPIRED", "verification request has expired")
	case errors.Is(err, domain.ErrNotAllowed):
		httputil.Error(w, http.StatusForbidden, "NOT_ALLOWED", err.Error())
	case errors.Is(err, domain.ErrInvalidAgentID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid agent ID format")
	case errors.Is(err, crypto.ErrInvalidKeyFormat), errors.Is(err, crypto.ErrInvalidSignature):
		httputil.Error(w, http.StatusBadRequest, "INVALID_PROOF", err.Error())
	case errors.Is(err, trust.ErrInvalidTrustScore), errors.Is(err, trust.ErrInvalidMetric):
		httputil.Error(w, http.StatusBadRequest, "INVALID_METRICS", err.Error())
	case errors.Is(err, trust.ErrInvalidStateTransition):
		httputil.Error(w, http.StatusBadRequest, "INVALID_TRANSITION", err.Error())
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
