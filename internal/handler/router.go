package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agent-trust-service/internal/metrics"
	"agent-trust-service/internal/middleware"
)

// Handlers はルーターに登録するハンドラ。
type Handlers struct {
	Agents   *AgentHandler
	Trust    *TrustHandler
	Rotation *RotationHandler
}

// NewRouter はルーターを生成する。mがnilなら/metricsは公開しない。
func NewRouter(h Handlers, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	var observer middleware.HTTPObserver
	if m != nil {
		observer = m
	}
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger(observer))
	r.Use(chimiddleware.Recoverer)

	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	// ルート定義
	r.Route("/v1/agents", func(r chi.Router) {
		r.Post("/", h.Agents.Register)
		r.Route("/{agent_id}", func(r chi.Router) {
			r.Get("/", h.Agents.Get)
			r.Put("/status", h.Agents.UpdateStatus)
			r.Get("/keys", h.Agents.ListKeys)
			r.Get("/keys/current", h.Agents.CurrentKey)

			r.Post("/trust/metrics", h.Trust.UpdateMetrics)
			r.Get("/trust/score", h.Trust.GetScore)
			r.Post("/trust/relationships", h.Trust.AddRelationship)
			r.Get("/trust/trusted", h.Trust.TrustedAgents)

			r.Get("/lifecycle", h.Trust.GetLifecycle)
			r.Post("/lifecycle/transitions", h.Trust.TransitionLifecycle)
			r.Post("/lifecycle/check", h.Trust.CheckLifecycle)

			r.Route("/rotation", func(r chi.Router) {
				r.Get("/", h.Rotation.Status)
				r.Post("/schedule", h.Rotation.Schedule)
				r.Post("/begin", h.Rotation.Begin)
				r.Post("/proofs", h.Rotation.IssueProof)
				r.Post("/attestations", h.Rotation.SubmitAttestation)
				r.Post("/complete", h.Rotation.Complete)
				r.Post("/cancel", h.Rotation.Cancel)
				r.Post("/reset", h.Rotation.Reset)
				r.Get("/history", h.Rotation.History)
				r.Get("/needed", h.Rotation.Needed)
			})
		})
	})

	return otelhttp.NewHandler(r, "agent-trust-service",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
