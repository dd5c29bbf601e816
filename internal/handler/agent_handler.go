package handler

import (
	"context"
	"net/http"
	"time"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/middleware"
	"agent-trust-service/pkg/httputil"
)

// AgentService はエージェントと鍵世代の操作。
type AgentService interface {
	Register(ctx context.Context, name string, caps domain.Capabilities) (*domain.Agent, *domain.KeyMetadata, error)
	Get(ctx context.Context, agentID string) (*domain.Agent, error)
	UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*domain.Agent, error)
	ListKeys(ctx context.Context, agentID string) ([]*domain.KeyMetadata, error)
	CurrentKey(ctx context.Context, agentID string) (*domain.KeyMetadata, error)
}

// AgentHandler はエージェントAPIのハンドラ。
type AgentHandler struct {
	service AgentService
}

// NewAgentHandler は新しいAgentHandlerを生成する。
func NewAgentHandler(service AgentService) *AgentHandler {
	return &AgentHandler{service: service}
}

// RegisterAgentRequest はエージェント登録のリクエスト形式。
type RegisterAgentRequest struct {
	Name         string              `json:"name"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// UpdateStatusRequest はステータス変更のリクエスト形式。
type UpdateStatusRequest struct {
	Status domain.AgentStatus `json:"status"`
}

// AgentResponse はエージェントのレスポンス形式。
type AgentResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Status       string              `json:"status"`
	Capabilities domain.Capabilities `json:"capabilities"`
	CreatedAt    string              `json:"created_at"`
}

// KeyMetadataResponse は鍵世代のレスポンス形式。公開鍵はmultibase文字列。
type KeyMetadataResponse struct {
	AgentID    string           `json:"agent_id"`
	Generation uint             `json:"generation"`
	PublicKey  crypto.PublicKey `json:"public_key"`
	Status     string           `json:"status"`
	ExpiresAt  string           `json:"expires_at,omitempty"`
	CreatedAt  string           `json:"created_at"`
}

// RegisterAgentResponse はエージェント登録のレスポンス形式。
type RegisterAgentResponse struct {
	Agent AgentResponse       `json:"agent"`
	Key   KeyMetadataResponse `json:"key"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

func toAgentResponse(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:           a.ID,
		Name:         a.Name,
		Status:       string(a.Status),
		Capabilities: a.Capabilities,
		CreatedAt:    a.CreatedAt.Format(time.RFC3339),
	}
}

func toKeyMetadataResponse(m *domain.KeyMetadata) KeyMetadataResponse {
	resp := KeyMetadataResponse{
		AgentID:    m.AgentID,
		Generation: m.Generation,
		PublicKey:  m.PublicKey,
		Status:     string(m.Status),
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
	}
	if m.ExpiresAt != nil {
		resp.ExpiresAt = m.ExpiresAt.Format(time.RFC3339)
	}
	return resp
}

// Register はエージェントを登録し、第1世代の鍵を生成する。
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	agent, key, err := h.service.Register(r.Context(), req.Name, req.Capabilities)
	if err != nil {
		writeError(r.Context(), w, "REGISTER_AGENT", "", err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "REGISTER_AGENT", agent.ID, "generation=1", "SUCCESS")
	httputil.JSON(w, http.StatusCreated, RegisterAgentResponse{
		Agent: toAgentResponse(agent),
		Key:   toKeyMetadataResponse(key),
	})
}

// Get はエージェントを取得する。
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	agent, err := h.service.Get(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "GET_AGENT", agentID, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toAgentResponse(agent))
}

// UpdateStatus はエージェントの運用ステータスを変更する。
func (h *AgentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateStatusRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	agent, err := h.service.UpdateStatus(r.Context(), agentID, req.Status)
	if err != nil {
		writeError(r.Context(), w, "UPDATE_AGENT_STATUS", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "UPDATE_AGENT_STATUS", agentID, "status="+string(agent.Status), "SUCCESS")
	httputil.JSON(w, http.StatusOK, toAgentResponse(agent))
}

// ListKeys は全世代の鍵メタデータを取得する。
func (h *AgentHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	keys, err := h.service.ListKeys(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "LIST_KEYS", agentID, err)
		return
	}

	resp := KeyListResponse{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, k := range keys {
		resp.Keys[i] = toKeyMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// CurrentKey は現在の署名鍵を取得する。
func (h *AgentHandler) CurrentKey(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	key, err := h.service.CurrentKey(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "GET_CURRENT_KEY", agentID, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toKeyMetadataResponse(key))
}
