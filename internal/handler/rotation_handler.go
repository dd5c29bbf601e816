package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/middleware"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/usecase"
	"agent-trust-service/pkg/httputil"
)

// RotationService は鍵ローテーションの操作。
type RotationService interface {
	Status(ctx context.Context, agentID string) (*usecase.RotationView, error)
	Schedule(ctx context.Context, agentID, reason string) (time.Time, error)
	Begin(ctx context.Context, agentID, reason string) (domain.RotationStatus, error)
	IssueProof(ctx context.Context, agentID, verifierID string) ([]byte, error)
	SubmitAttestation(ctx context.Context, agentID string, att domain.Attestation) (domain.VerificationResult, error)
	Complete(ctx context.Context, agentID string) (domain.RotationRecord, error)
	Cancel(ctx context.Context, agentID string) error
	Reset(ctx context.Context, agentID string) error
	History(ctx context.Context, agentID string, limit int) ([]domain.RotationRecord, error)
	CheckRotationNeeded(ctx context.Context, agentID string) (bool, error)
}

// RotationHandler はローテーションAPIのハンドラ。
type RotationHandler struct {
	service RotationService
}

// NewRotationHandler は新しいRotationHandlerを生成する。
func NewRotationHandler(service RotationService) *RotationHandler {
	return &RotationHandler{service: service}
}

// ReasonRequest はローテーションの予約・開始のリクエスト形式。
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ProofRequest は所有証明発行のリクエスト形式。
type ProofRequest struct {
	VerifierID string `json:"verifier_id"`
}

// ProofResponse は所有証明のレスポンス形式。proofはbase64。
type ProofResponse struct {
	AgentID    string `json:"agent_id"`
	VerifierID string `json:"verifier_id"`
	Proof      []byte `json:"proof"`
}

// AttestationRequest は検証者の証明のリクエスト形式。
type AttestationRequest struct {
	VerifierID     string                    `json:"verifier_id"`
	Proof          []byte                    `json:"proof"`
	Status         domain.VerificationStatus `json:"status"`
	Level          *trust.Level              `json:"level,omitempty"`
	Evidence       map[string]string         `json:"evidence,omitempty"`
	FailureReasons []string                  `json:"failure_reasons,omitempty"`
}

// VerificationResultResponse は検証結果のレスポンス形式。
type VerificationResultResponse struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"request_id"`
	VerifierID     string            `json:"verifier_id"`
	Status         string            `json:"status"`
	Level          trust.Level       `json:"level"`
	Timestamp      string            `json:"timestamp"`
	Evidence       map[string]string `json:"evidence,omitempty"`
	FailureReasons []string          `json:"failure_reasons,omitempty"`
}

// VerificationRequestResponse は検証リクエストのレスポンス形式。
type VerificationRequestResponse struct {
	ID               string            `json:"id"`
	NewKey           crypto.PublicKey  `json:"new_key"`
	RequiredLevel    trust.Level       `json:"required_level"`
	MinVerifiers     int               `json:"min_verifiers"`
	RequireConsensus bool              `json:"require_consensus"`
	Verifiers        []string          `json:"verifiers"`
	Status           string            `json:"status"`
	CreatedAt        string            `json:"created_at"`
	ExpiresAt        string            `json:"expires_at"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RotationStatusResponse はローテーション状態のレスポンス形式。
type RotationStatusResponse struct {
	AgentID       string                       `json:"agent_id"`
	Phase         string                       `json:"phase"`
	ScheduledAt   string                       `json:"scheduled_at,omitempty"`
	NewKey        *crypto.PublicKey            `json:"new_key,omitempty"`
	DistributedTo []string                     `json:"distributed_to,omitempty"`
	Verifications []VerificationResultResponse `json:"verifications,omitempty"`
	Record        *domain.RotationRecord       `json:"record,omitempty"`
	FailureReason string                       `json:"failure_reason,omitempty"`
	Error         string                       `json:"error,omitempty"`
	Request       *VerificationRequestResponse `json:"request,omitempty"`
	Config        *domain.RotationConfig       `json:"config,omitempty"`
}

// ScheduleResponse は予約のレスポンス形式。
type ScheduleResponse struct {
	AgentID     string `json:"agent_id"`
	ScheduledAt string `json:"scheduled_at"`
}

// HistoryResponse はローテーション履歴のレスポンス形式。
type HistoryResponse struct {
	Records []domain.RotationRecord `json:"records"`
}

// NeededResponse はローテーション要否のレスポンス形式。
type NeededResponse struct {
	AgentID string `json:"agent_id"`
	Needed  bool   `json:"needed"`
}

func toVerificationResultResponse(r domain.VerificationResult) VerificationResultResponse {
	return VerificationResultResponse{
		ID:             r.ID,
		RequestID:      r.RequestID,
		VerifierID:     r.VerifierID,
		Status:         string(r.Status),
		Level:          r.Level,
		Timestamp:      r.Timestamp.Format(time.RFC3339),
		Evidence:       r.Evidence,
		FailureReasons: r.FailureReasons,
	}
}

func toStatusResponse(agentID string, st domain.RotationStatus) RotationStatusResponse {
	resp := RotationStatusResponse{AgentID: agentID, Phase: string(st.Phase())}
	switch s := st.(type) {
	case domain.StatusScheduled:
		resp.ScheduledAt = s.At.Format(time.RFC3339)
	case domain.StatusDistributing:
		resp.NewKey = &s.NewKey
		resp.DistributedTo = s.DistributedTo
	case domain.StatusRotating:
		resp.NewKey = &s.NewKey
		for _, v := range s.Verifications {
			resp.Verifications = append(resp.Verifications, toVerificationResultResponse(v))
		}
	case domain.StatusComplete:
		resp.Record = &s.Record
	case domain.StatusFailed:
		resp.FailureReason = s.Reason
		resp.Error = s.Error
	}
	return resp
}

func toRequestResponse(req *domain.VerificationRequest) *VerificationRequestResponse {
	return &VerificationRequestResponse{
		ID:               req.ID,
		NewKey:           req.NewKey,
		RequiredLevel:    req.Policy.RequiredLevel,
		MinVerifiers:     req.Policy.MinVerifiers,
		RequireConsensus: req.Policy.RequireConsensus,
		Verifiers:        req.Verifiers,
		Status:           string(req.Status),
		CreatedAt:        req.CreatedAt.Format(time.RFC3339),
		ExpiresAt:        req.ExpiresAt.Format(time.RFC3339),
		Metadata:         req.Metadata,
	}
}

// Status はローテーション状態を取得する。
func (h *RotationHandler) Status(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.service.Status(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "GET_ROTATION_STATUS", agentID, err)
		return
	}

	resp := toStatusResponse(agentID, view.Status)
	resp.Config = &view.Config
	if view.Request != nil {
		resp.Request = toRequestResponse(view.Request)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Schedule はローテーションを予約する。
func (h *RotationHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	at, err := h.service.Schedule(r.Context(), agentID, req.Reason)
	if err != nil {
		writeError(r.Context(), w, "SCHEDULE_ROTATION", agentID, err)
		return
	}

	scheduledAt := at.Format(time.RFC3339)
	middleware.WriteAuditLog(r.Context(), "SCHEDULE_ROTATION", agentID, "at="+scheduledAt, "SUCCESS")
	httputil.JSON(w, http.StatusAccepted, ScheduleResponse{AgentID: agentID, ScheduledAt: scheduledAt})
}

// Begin はローテーションを開始する。
func (h *RotationHandler) Begin(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	st, err := h.service.Begin(r.Context(), agentID, req.Reason)
	if err != nil {
		writeError(r.Context(), w, "BEGIN_ROTATION", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "BEGIN_ROTATION", agentID, "phase="+string(st.Phase()), "SUCCESS")
	httputil.JSON(w, http.StatusAccepted, toStatusResponse(agentID, st))
}

// IssueProof は検証者向けの所有証明を発行する。
func (h *RotationHandler) IssueProof(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req ProofRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := validateAgentID(req.VerifierID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid verifier ID format")
		return
	}

	proof, err := h.service.IssueProof(r.Context(), agentID, req.VerifierID)
	if err != nil {
		writeError(r.Context(), w, "ISSUE_OWNERSHIP_PROOF", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ISSUE_OWNERSHIP_PROOF", agentID, "verifier="+req.VerifierID, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, ProofResponse{AgentID: agentID, VerifierID: req.VerifierID, Proof: proof})
}

// SubmitAttestation は検証者の証明を受け付ける。
func (h *RotationHandler) SubmitAttestation(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	var req AttestationRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if err := validateAgentID(req.VerifierID); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_AGENT_ID", "invalid verifier ID format")
		return
	}
	if len(req.Proof) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_PROOF", "proof is required")
		return
	}

	att := domain.Attestation{
		VerifierID:     req.VerifierID,
		Proof:          req.Proof,
		Status:         req.Status,
		Evidence:       req.Evidence,
		FailureReasons: req.FailureReasons,
	}
	if req.Level != nil {
		att.Level = *req.Level
	}

	result, err := h.service.SubmitAttestation(r.Context(), agentID, att)
	if err != nil {
		writeError(r.Context(), w, "SUBMIT_ATTESTATION", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "SUBMIT_ATTESTATION", agentID,
		"verifier="+req.VerifierID+" status="+string(result.Status), "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toVerificationResultResponse(result))
}

// Complete はローテーションを確定する。
func (h *RotationHandler) Complete(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	record, err := h.service.Complete(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "COMPLETE_ROTATION", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "COMPLETE_ROTATION", agentID,
		"record="+record.ID+" verified="+strconv.FormatBool(record.Verified), "SUCCESS")
	httputil.JSON(w, http.StatusOK, record)
}

// Cancel はローテーションを取り消す。
func (h *RotationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Cancel(r.Context(), agentID); err != nil {
		writeError(r.Context(), w, "CANCEL_ROTATION", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CANCEL_ROTATION", agentID, "", "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// Reset は完了または失敗した状態をStableへ戻す。
func (h *RotationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.Reset(r.Context(), agentID); err != nil {
		writeError(r.Context(), w, "RESET_ROTATION", agentID, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "RESET_ROTATION", agentID, "", "SUCCESS")
	w.WriteHeader(http.StatusNoContent)
}

// History はローテーション履歴を取得する。
func (h *RotationHandler) History(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}
	limit, err := parseLimit(r, 20, maxHistoryLimit)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_LIMIT", err.Error())
		return
	}

	records, err := h.service.History(r.Context(), agentID, limit)
	if err != nil {
		writeError(r.Context(), w, "GET_ROTATION_HISTORY", agentID, err)
		return
	}
	if records == nil {
		records = []domain.RotationRecord{}
	}
	httputil.JSON(w, http.StatusOK, HistoryResponse{Records: records})
}

// Needed はローテーションが必要かどうかを返す。
func (h *RotationHandler) Needed(w http.ResponseWriter, r *http.Request) {
	agentID, ok := agentIDParam(w, r)
	if !ok {
		return
	}

	needed, err := h.service.CheckRotationNeeded(r.Context(), agentID)
	if err != nil {
		writeError(r.Context(), w, "CHECK_ROTATION_NEEDED", agentID, err)
		return
	}
	httputil.JSON(w, http.StatusOK, NeededResponse{AgentID: agentID, Needed: needed})
}
