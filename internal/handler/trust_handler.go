package handler

import (
	"context"
	"net/http"
	"time"

	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/middleware"
	"agent-trust-service/internal/trust"
	"agent-trust-service/pkg/httputil"
)

// TrustService は信頼スコア・信頼関係・ライフサイクルの操作。
type TrustService interface {
	UpdateMetrics(ctx context.Context, agentID string, m trust.Metrics, confidence float64) (trust.Score, error)
	GetTrustScore(ctx context.Context, agentID string) (trust.Score, error)
	GetTrustedAgents(ctx context.Context, agentID string, minLevel trust.Level, limit int) ([]domain.Agent, error)
	AddRelationship(ctx context.Context, sourceID, targetID string) error
	Lifecycle(ctx context.Context, agentID string) (*trust.Lifecycle, error)
	TransitionLifecycle(ctx context.Context, agentID string, t trust.Transition) (*trust.Lifecycle, error)
	CheckLifecycle(ctx context.Context, agentID string) (*trust.Lifecycle, bool, error)
}

// TrustHandler は信頼APIのハンドラ。
type TrustHandler struct {
	service TrustService
	now     func() time.Time
}

// NewTrustHandler は新しいTrustHandlerを生成する。
func NewTrustHandler(service TrustService) *TrustHandler {
	return &TrustHandler{service: service, now: time.Now}
}

// UpdateMetricsRequest はメトリクス更新のリクエスト形式。
type UpdateMetricsRequest struct {
	Metrics    trust.Metrics `json:"metrics"`
	Confidence float64       `json:"confidence"`
}

// RelationshipRequest は信頼関係登録のリクエスト形式。
type RelationshipRequest struct {
	TargetID string `json:"target_id"`
}

// TransitionRequest はライフサイクル遷移のリクエスト形式。atが未来なら予約になる。
type TransitionRequest struct {
	Target   trust.State    `json:"target"`
	Reason   string         `json:"reason"`
	At       *time.Time     `json:"at,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ScoreResponse は信頼スコアのレスポンス形式。
type ScoreResponse struct {
	AgentID    string        `json:"agent_id"`
	Score      float64       `json:"score"`
	Level      trust.Level   `json:"level"`
	Metrics    trust.Metrics `json:"metrics"`
	Confidence float64       `json:"confidence"`
	Timestamp  string        `json:"timestamp"`
	ExpiresAt  string        `json:"expires_at"`
	Valid      bool          `json:"valid"`
}

// TrustedAgentsResponse は信頼先一覧のレスポンス形式。
type TrustedAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// ScheduledTransitionResponse は予約済み遷移のレスポンス形式。
type ScheduledTransitionResponse struct {
	Target trust.State `json:"target"`
	Reason string      `json:"reason,omitempty"`
	At     string      `json:"at"`
}

// LifecycleResponse はライフサイクルのレスポンス形式。
type LifecycleResponse struct {
	AgentID         string                       `json:"agent_id"`
	State           trust.State                  `json:"state"`
	StateEnteredAt  string                       `json:"state_entered_at"`
	DurationSeconds int64                        `json:"current_state_duration_seconds"`
	ValidForTrust   bool                         `json:"valid_for_trust"`
	Next            *ScheduledTransitionResponse `json:"next_transition,omitempty"`
	History         []trust.HistoryEntry         `json:"history"`
	StateMetadata   map[string]string            `json:"state_metadata,omitempty"`
	Changed         *bool                        `json:"changed,omitempty"`
}

func (h *TrustHandler) toScoreResponse(agentID string, s trust.Score) ScoreResponse {
	return ScoreResponse{
		AgentID:    agentID,
		Score:      s.Value,
		Level:      s.Level,
		Metrics:    s.Metrics,
		Confidence: s.Confidence,
		Timestamp:  s.Timestamp.Format(time.RFC3339),
		ExpiresAt:  s.Timestamp.Add(s.ValidityPeriod).Format(time.RFC3339),
		Valid:      s.IsValidAt(h.now()),
	}
}

func toLifecycleResponse(agentID string, lc *trust.Lifecycle) LifecycleResponse {
	resp := LifecycleResponse{
		AgentID:         agentID,
		State:           lc.CurrentState(),
		StateEnteredAt:  lc.StateEnteredAt().Format(time.RFC3339),
		DurationSeconds: int64(lc.CurrentStateDuration().Seconds()),
		ValidForTrust:   lc.IsValidForTrust(),
		History:         lc.History(),
		StateMetadata:   lc.StateMetadata(),
	}
	if next, ok := lc.NextTransition(); ok {
		resp.Next = &ScheduledTransitionResponse{
			Target: next.Target,
			Reason: next.Reason,
			At:     next.At.Format(time.RFC3339),
		}
	}
	if resp.History == nil {
		resp.History = []trust.HistoryEntry{}
	}
	return resp
}

// UpdateMetrics はメトリクスから信頼スコアを再計算する。
func (h *TrustHandler) UpdateMetrics(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateMetricsRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	score, err := h.service.UpdateMetrics(r.Context(), agentID, req.Metrics, req.Confidence)
	if err != nil {
		writeError(r.Context(), w, "UPDATE_TRUST_METRICS", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "UPDATE_TRUST_METRICS", agentID, "level="+score.Level.String(), "SUCCESS")
	httputil.JSON(w, http.StatusOK, h.toScoreResponse(agentID, score))
}

// GetScore は最新の信頼スコアを取得する。
func (h *TrustHandler) GetScore(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	score, err := h.service.GetTrustScore(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "GET_TRUST_SCORE", agentID, err)
		return
	}
	httputil.JSON(w, http.StatusOK, h.toScoreResponse(agentID, score))
}

// AddRelationship は信頼関係を登録する。
func (h *TrustHandler) AddRelationship(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req RelationshipRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := validateAgentID(req.TargetID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid target agent ID format")
		return
	}

	if err := h.service.AddRelationship(r.Context(), agentID, req.TargetID); err != nil {
		writeError(r.Context(), w, "ADD_TRUST_RELATIONSHIP", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ADD_TRUST_RELATIONSHIP", agentID, "target="+req.TargetID, "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// TrustedAgents は信頼先のうち指定レベル以上のエージェントを取得する。
func (h *TrustHandler) TrustedAgents(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	minLevel := trust.LevelNone
	if s := r.URL.Query().Get("min_level"); s != "" {
		parsed, err := trust.ParseLevel(s)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "INVALID_LEVEL", "unknown trust level")
			return
		}
		minLevel = parsed
	}
	limit, err := parseLimit(r, 0, maxHistoryLimit)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	agents, err := h.service.GetTrustedAgents(r.Context(), agentID, minLevel, limit)
	if err != nil {
		writeError(r.Context(), w, "GET_TRUSTED_AGENTS", agentID, err)
		return
	}

	resp := TrustedAgentsResponse{Agents: make([]AgentResponse, len(agents))}
	for i := range agents {
		resp.Agents[i] = toAgentResponse(&agents[i])
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// GetLifecycle はライフサイクルを取得する。
func (h *TrustHandler) GetLifecycle(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	lc, err := h.service.Lifecycle(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "GET_LIFECYCLE", agentID, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toLifecycleResponse(agentID, lc))
}

// TransitionLifecycle はライフサイクルを遷移させる。atが未来なら予約して202を返す。
func (h *TrustHandler) TransitionLifecycle(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	t := trust.Transition{Target: req.Target, Reason: req.Reason, Metadata: req.Metadata}
	if req.At != nil {
		t.At = *req.At
	}
	lc, err := h.service.TransitionLifecycle(r.Context(), agentID, t)
	if err != nil {
		writeError(r.Context(), w, "TRANSITION_LIFECYCLE", agentID, err)
		return
	}

	status := http.StatusOK
	detail := "target=" + req.Target.String()
	if lc.CurrentState() != req.Target {
		status = http.StatusAccepted
		detail += " scheduled"
	}
	middleware.WriteAuditLog(r.Context(), "TRANSITION_LIFECYCLE", agentID, detail, "SUCCESS")
	httputil.JSON(w, status, toLifecycleResponse(agentID, lc))
}

// CheckLifecycle は予約時刻に達した遷移を適用する。
func (h *TrustHandler) CheckLifecycle(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	lc, changed, err := h.service.CheckLifecycle(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "CHECK_LIFECYCLE", agentID, err)
		return
	}
	if changed {
		middleware.WriteAuditLog(r.Context(), "CHECK_LIFECYCLE", agentID, "state="+lc.CurrentState().String(), "SUCCESS")
	}
	resp := toLifecycleResponse(agentID, lc)
	resp.Changed = &changed
	httputil.JSON(w, http.StatusOK, resp)
}
