// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation string `json:"operation"`
	AgentID   string `json:"agent_id"`
	Detail    string `json:"detail,omitempty"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

// WriteAuditLog は鍵・信頼に関する操作の監査ログを出力する。
func WriteAuditLog(ctx context.Context, operation, agentID, detail, result string) {
	entry := AuditLog{
		Operation: operation,
		AgentID:   agentID,
		Detail:    detail,
		Result:    result,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	slog.InfoContext(ctx, "agent operation completed",
		"audit", true,
		"operation", entry.Operation,
		"agent_id", entry.AgentID,
		"detail", entry.Detail,
		"result", entry.Result,
		"timestamp", entry.Timestamp,
	)
}

// HTTPObserver はHTTPリクエストの観測先。
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, elapsed time.Duration)
}

// RequestLogger はリクエストをslogで記録し、observerがあれば計測する。
// ルートはchiのパターン（例: /v1/agents/{agent_id}）で記録する。
func RequestLogger(observer HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			if observer != nil {
				observer.ObserveHTTP(r.Method, route, status, elapsed)
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			slog.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", elapsed.Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
