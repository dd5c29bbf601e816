package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/verifier"
)

// historyScanLimit は直近の完了記録を探すときに読む履歴の件数。
const historyScanLimit = 50

// defaultReason は理由が指定されなかったローテーションの理由。
const defaultReason = "manual"

// HistoryStore はローテーション履歴の保存先。GetHistoryは新しい順に返す。
type HistoryStore interface {
	Append(ctx context.Context, agentID string, record domain.RotationRecord) error
	GetHistory(ctx context.Context, agentID string, limit int) ([]domain.RotationRecord, error)
}

// RequestStore は検証リクエストと結果の保存先。
type RequestStore interface {
	StoreRequest(ctx context.Context, req domain.VerificationRequest) error
	GetActiveRequest(ctx context.Context, agentID string) (*domain.VerificationRequest, error)
	CancelRequest(ctx context.Context, id string) error
	StoreResult(ctx context.Context, result domain.VerificationResult) error
}

// Gate はローテーションの各操作を許可するかどうかを判定する。
type Gate interface {
	IsValidForTrust() bool
}

// Committer は完了したローテーションの記録と新しい鍵を一括で永続化する。
type Committer interface {
	CommitRotation(ctx context.Context, agentID string, record domain.RotationRecord, next crypto.KeyPair) error
}

// OutcomeRecorder はローテーション結果を信頼スコアへ反映する。
type OutcomeRecorder interface {
	RecordRotationOutcome(ctx context.Context, agentID string, outcome domain.RotationOutcome) error
}

// Dependencies はCoordinatorの依存先。CommitterとOutcomesは省略できる。
type Dependencies struct {
	Keys      *crypto.KeyManager
	Lifecycle Gate
	Selector  *verifier.Selector
	Trust     verifier.TrustSource
	History   HistoryStore
	Requests  RequestStore
	Committer Committer
	Outcomes  OutcomeRecorder
}

// Option はCoordinatorの設定を変更する。
type Option func(*Coordinator)

// WithClock は時刻の取得元を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithPolicy は導出ではなく固定の検証ポリシーを使う。
func WithPolicy(p domain.VerificationPolicy) Option {
	return func(c *Coordinator) {
		c.fixedPolicy = &p
	}
}

type pendingRotation struct {
	keyPair    crypto.KeyPair
	reason     string
	policy     domain.VerificationPolicy
	request    *domain.VerificationRequest
	levels     map[string]trust.Level
	challenges map[string][]byte
	attested   map[string]bool
}

// Coordinator は1エージェントのローテーション状態機械。
// 状態の参照と遷移はすべて1つのミューテックスで直列化する。
type Coordinator struct {
	agentID     string
	deps        Dependencies
	fixedPolicy *domain.VerificationPolicy
	now         func() time.Time

	mu      sync.Mutex
	config  domain.RotationConfig
	status  domain.RotationStatus
	reason  string
	pending *pendingRotation
}

// NewCoordinator は新しいCoordinatorをStable状態で生成する。
func NewCoordinator(agentID string, cfg domain.RotationConfig, deps Dependencies, opts ...Option) (*Coordinator, error) {
	if agentID == "" {
		return nil, domain.ErrInvalidAgentID
	}
	switch {
	case deps.Keys == nil:
		return nil, errors.New("rotation: key manager is required")
	case deps.Lifecycle == nil:
		return nil, errors.New("rotation: lifecycle gate is required")
	case deps.Trust == nil:
		return nil, errors.New("rotation: trust source is required")
	case deps.History == nil:
		return nil, errors.New("rotation: history store is required")
	case deps.Requests == nil:
		return nil, errors.New("rotation: request store is required")
	case deps.Selector == nil:
		return nil, errors.New("rotation: verifier selector is required")
	}

	c := &Coordinator{
		agentID: agentID,
		deps:    deps,
		now:     time.Now,
		config:  cfg,
		status:  domain.StatusStable{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AgentID は対象エージェントのIDを返す。
func (c *Coordinator) AgentID() string {
	return c.agentID
}

// Status は現在の状態のコピーを返す。
func (c *Coordinator) Status() domain.RotationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CloneStatus(c.status)
}

// Config は現在のローテーション設定を返す。
func (c *Coordinator) Config() domain.RotationConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Reconfigure は設定を差し替える。ローテーション進行中は変更できない。
func (c *Coordinator) Reconfigure(cfg domain.RotationConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inProgress() {
		return c.invalidState("reconfigure")
	}
	c.config = cfg
	return nil
}

// ActiveRequest は進行中のローテーションの検証リクエストを返す。
func (c *Coordinator) ActiveRequest() (domain.VerificationRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.request == nil {
		return domain.VerificationRequest{}, false
	}
	req := *c.pending.request
	req.Verifiers = append([]string(nil), req.Verifiers...)
	return req, true
}

// History はローテーション履歴を新しい順に返す。
func (c *Coordinator) History(ctx context.Context, limit int) ([]domain.RotationRecord, error) {
	records, err := c.deps.History.GetHistory(ctx, c.agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: loading rotation history: %w", domain.ErrInternal, err)
	}
	return records, nil
}

// Schedule はrotation_period後のローテーションを予約する。
func (c *Coordinator) Schedule(ctx context.Context, reason string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.status.(domain.StatusStable); !ok {
		return time.Time{}, c.invalidState("schedule")
	}
	if err := c.checkGate(); err != nil {
		return time.Time{}, err
	}

	// 信頼ネットワークが要求レベルの検証者を揃えられるか確認
	if c.config.RequireVerification() {
		policy, err := c.resolvePolicy(ctx)
		if err != nil {
			return time.Time{}, err
		}
		if _, err := c.deps.Selector.SelectTrusted(ctx, c.agentID, policy.RequiredLevel, policy.MinVerifiers); err != nil {
			return time.Time{}, fmt.Errorf("required verifier level %s is unattainable: %w", policy.RequiredLevel, err)
		}
	}

	at := c.now().Add(c.config.RotationPeriod())
	c.status = domain.StatusScheduled{At: at}
	c.reason = reason
	return at, nil
}

// Begin は新しい鍵を生成して検証者を選定し、配布状態へ進める。
func (c *Coordinator) Begin(ctx context.Context, reason string) (domain.RotationStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status.(type) {
	case domain.StatusStable, domain.StatusScheduled:
	default:
		return nil, c.invalidState("begin")
	}
	if err := c.checkGate(); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = c.reason
	}
	if reason == "" {
		reason = defaultReason
	}

	kp, err := c.deps.Keys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating rotation key: %w", err)
	}
	if err := c.deps.Keys.ValidateRotationKey(kp); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNotAllowed, err)
	}

	pending := &pendingRotation{
		keyPair:    kp,
		reason:     reason,
		levels:     make(map[string]trust.Level),
		challenges: make(map[string][]byte),
		attested:   make(map[string]bool),
	}

	if !c.config.RequireVerification() {
		c.pending = pending
		c.status = domain.StatusRotating{NewKey: kp.Public}
		return domain.CloneStatus(c.status), nil
	}

	policy, err := c.resolvePolicy(ctx)
	if err != nil {
		return nil, err
	}
	ranked, err := c.deps.Selector.SelectTrusted(ctx, c.agentID, policy.RequiredLevel, policy.MinVerifiers)
	if err != nil {
		return nil, err
	}
	for _, r := range ranked {
		pending.levels[r.Agent.ID] = r.Level
	}

	now := c.now()
	req := domain.VerificationRequest{
		ID:          uuid.New().String(),
		RequesterID: c.agentID,
		TargetID:    c.agentID,
		NewKey:      kp.Public,
		Policy:      policy,
		Verifiers:   verifier.AgentIDs(ranked),
		Status:      domain.RequestPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(policy.ValidityPeriod),
		Metadata:    map[string]string{"reason": reason},
	}
	if err := c.deps.Requests.StoreRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("%w: storing verification request: %w", domain.ErrInternal, err)
	}

	pending.policy = policy
	pending.request = &req
	c.pending = pending
	if len(req.Verifiers) == 0 {
		c.status = domain.StatusRotating{NewKey: kp.Public}
	} else {
		c.status = domain.StatusDistributing{NewKey: kp.Public, DistributedTo: verifier.AgentIDs(ranked)}
	}
	return domain.CloneStatus(c.status), nil
}

// IssueOwnershipProof は検証者ごとに新しいチャレンジを発行し、新しい鍵で署名した所有証明を返す。
func (c *Coordinator) IssueOwnershipProof(ctx context.Context, verifierID string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.collecting() {
		return nil, c.invalidState("issue ownership proof")
	}
	if err := c.checkVerifier(verifierID); err != nil {
		return nil, err
	}

	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		return nil, fmt.Errorf("generating challenge: %w", err)
	}
	proof, err := crypto.SignChallenge(challenge, c.pending.keyPair.Private)
	if err != nil {
		return nil, fmt.Errorf("signing challenge: %w", err)
	}
	c.pending.challenges[verifierID] = challenge
	return proof, nil
}

// SubmitAttestation は検証者の証明を受け付け、検証結果として追加する。
func (c *Coordinator) SubmitAttestation(ctx context.Context, att domain.Attestation) (domain.VerificationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.collecting() {
		return domain.VerificationResult{}, c.invalidState("submit attestation")
	}
	if err := c.checkGate(); err != nil {
		return domain.VerificationResult{}, err
	}
	if err := c.checkVerifier(att.VerifierID); err != nil {
		return domain.VerificationResult{}, err
	}
	if !att.Status.IsValid() || att.Status == domain.VerificationPending {
		return domain.VerificationResult{}, fmt.Errorf("%w: attestation status %q is not a verdict", domain.ErrNotAllowed, att.Status)
	}

	ok, err := crypto.VerifyOwnership(c.pending.keyPair.Public, att.Proof)
	if err != nil {
		return domain.VerificationResult{}, err
	}
	if !ok {
		return domain.VerificationResult{}, fmt.Errorf("%w: ownership proof does not verify against the new key", domain.ErrNotAllowed)
	}
	issued, found := c.pending.challenges[att.VerifierID]
	if !found || !bytes.Equal(issued, att.Proof[:crypto.ChallengeSize]) {
		return domain.VerificationResult{}, fmt.Errorf("%w: ownership proof was not issued to verifier %s", domain.ErrNotAllowed, att.VerifierID)
	}

	req := c.pending.request
	result := domain.VerificationResult{
		ID:             uuid.New().String(),
		RequestID:      req.ID,
		SubjectID:      c.agentID,
		Status:         att.Status,
		VerifierID:     att.VerifierID,
		Level:          achievedLevel(att.Level, c.pending.levels[att.VerifierID]),
		Timestamp:      c.now(),
		Evidence:       att.Evidence,
		FailureReasons: att.FailureReasons,
	}
	result = result.Clone()
	if err := c.deps.Requests.StoreResult(ctx, result); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("%w: storing verification result: %w", domain.ErrInternal, err)
	}

	var verifications []domain.VerificationResult
	if st, ok := c.status.(domain.StatusRotating); ok {
		verifications = st.Verifications
	}
	delete(c.pending.challenges, att.VerifierID)
	c.pending.attested[att.VerifierID] = true
	c.status = domain.StatusRotating{
		NewKey:        c.pending.keyPair.Public,
		Verifications: append(verifications, result),
	}
	return result.Clone(), nil
}

// Complete は完了条件を検査し、ローテーションを確定する。
func (c *Coordinator) Complete(ctx context.Context) (domain.RotationRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.status.(domain.StatusRotating)
	if !ok {
		return domain.RotationRecord{}, c.invalidState("complete")
	}
	if err := c.checkGate(); err != nil {
		return domain.RotationRecord{}, err
	}

	p := c.pending
	if p.request != nil {
		if err := NewConsensusChecker(p.policy).Check(st.Verifications); err != nil {
			return domain.RotationRecord{}, err
		}
	}
	// 永続化の前に鍵の差し替えが成功することを確認する
	if err := c.deps.Keys.ValidateRotationKey(p.keyPair); err != nil {
		return domain.RotationRecord{}, fmt.Errorf("%w: validating new key: %w", domain.ErrInternal, err)
	}

	now := c.now()
	record := c.newRecord(domain.RotationOutcomeCompleted, now)
	record.Verified = p.request != nil && len(st.Verifications) > 0
	record.Metadata["verification_count"] = strconv.Itoa(len(st.Verifications))
	if len(st.Verifications) > 0 {
		verifiers := make([]string, len(st.Verifications))
		for i, v := range st.Verifications {
			verifiers[i] = v.VerifierID
		}
		record.VerifiedBy = verifiers[0]
		record.Metadata["verifiers"] = strings.Join(verifiers, ",")
	}

	if c.deps.Committer != nil {
		if err := c.deps.Committer.CommitRotation(ctx, c.agentID, record, p.keyPair); err != nil {
			return domain.RotationRecord{}, fmt.Errorf("%w: committing rotation: %w", domain.ErrInternal, err)
		}
	} else if err := c.deps.History.Append(ctx, c.agentID, record); err != nil {
		return domain.RotationRecord{}, fmt.Errorf("%w: appending rotation record: %w", domain.ErrInternal, err)
	}

	if err := c.deps.Keys.Rotate(p.keyPair, now); err != nil {
		return domain.RotationRecord{}, fmt.Errorf("%w: replacing current key: %w", domain.ErrInternal, err)
	}
	c.status = domain.StatusComplete{Record: record}
	c.pending = nil
	c.reason = ""

	if p.request != nil {
		req := *p.request
		req.Status = domain.RequestCompleted
		if err := c.deps.Requests.StoreRequest(ctx, req); err != nil {
			slog.WarnContext(ctx, "failed to close verification request",
				"operation", "complete_rotation",
				"agent_id", c.agentID,
				"request_id", req.ID,
				"error", err,
			)
		}
	}
	c.recordOutcome(ctx, domain.RotationOutcomeCompleted)

	out := record
	out.Metadata = cloneMetadata(record.Metadata)
	return out, nil
}

// Cancel は進行中または予約中のローテーションを取り消す。
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inProgress() {
		return c.invalidState("cancel")
	}
	if err := c.end(ctx, domain.RotationOutcomeCancelled, domain.CancelledReason, nil); err != nil {
		return err
	}
	c.status = domain.StatusFailed{Reason: domain.CancelledReason}
	return nil
}

// Abort は外部要因で続行できなくなったローテーションを失敗として終える。
func (c *Coordinator) Abort(ctx context.Context, reason string, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.collecting() {
		return c.invalidState("abort")
	}
	if reason == "" {
		reason = "aborted"
	}
	if err := c.end(ctx, domain.RotationOutcomeAborted, reason, cause); err != nil {
		return err
	}
	failed := domain.StatusFailed{Reason: reason}
	if cause != nil {
		failed.Error = cause.Error()
	}
	c.status = failed
	return nil
}

// Reset は完了または失敗した状態をStableへ戻す。
func (c *Coordinator) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status.(type) {
	case domain.StatusComplete, domain.StatusFailed:
	default:
		return c.invalidState("reset")
	}
	c.status = domain.StatusStable{}
	c.pending = nil
	c.reason = ""
	return nil
}

// CheckRotationNeeded は鍵の経過時間と有効な信頼スコアのレベルからローテーションが必要かを返す。
// 状態は変更しない。
func (c *Coordinator) CheckRotationNeeded(ctx context.Context) (bool, error) {
	c.mu.Lock()
	inProgress := c.inProgress()
	maxAge := c.config.MaxKeyAge()
	c.mu.Unlock()

	if inProgress {
		return false, nil
	}

	last, found, err := c.lastCompleted(ctx)
	if err != nil {
		return false, err
	}
	keyTime := c.deps.Keys.ActivatedAt()
	if found {
		keyTime = last.Timestamp
	}
	if c.now().Sub(keyTime) > maxAge {
		return true, nil
	}

	score, err := c.deps.Trust.GetTrustScore(ctx, c.agentID)
	if errors.Is(err, domain.ErrTrustScoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: loading trust score: %w", domain.ErrInternal, err)
	}
	// 期限切れのスコアは未算出と同じ扱い
	return score.IsValidAt(c.now()) && score.Level == trust.LevelLow, nil
}

// end はキャンセル・中断の記録を残し、検証リクエストを取り消す。状態は呼び出し側が更新する。
func (c *Coordinator) end(ctx context.Context, outcome domain.RotationOutcome, reason string, cause error) error {
	record := c.newRecord(outcome, c.now())
	record.Metadata["ended_from"] = string(c.status.Phase())
	record.Metadata["end_reason"] = reason
	if cause != nil {
		record.Metadata["error"] = cause.Error()
	}

	if c.pending != nil && c.pending.request != nil {
		if err := c.deps.Requests.CancelRequest(ctx, c.pending.request.ID); err != nil {
			return fmt.Errorf("%w: cancelling verification request: %w", domain.ErrInternal, err)
		}
	}
	if err := c.deps.History.Append(ctx, c.agentID, record); err != nil {
		return fmt.Errorf("%w: appending rotation record: %w", domain.ErrInternal, err)
	}

	c.pending = nil
	c.reason = ""
	c.recordOutcome(ctx, outcome)
	return nil
}

func (c *Coordinator) newRecord(outcome domain.RotationOutcome, at time.Time) domain.RotationRecord {
	record := domain.RotationRecord{
		ID:        uuid.New().String(),
		AgentID:   c.agentID,
		OldKey:    c.deps.Keys.CurrentPublicKey(),
		Timestamp: at,
		Reason:    c.reason,
		Outcome:   outcome,
		Metadata:  make(map[string]string),
	}
	if c.pending != nil {
		record.NewKey = c.pending.keyPair.Public
		record.Reason = c.pending.reason
		if c.pending.request != nil {
			record.Metadata["request_id"] = c.pending.request.ID
			record.Metadata["required_level"] = c.pending.policy.RequiredLevel.String()
			record.Metadata["min_verifiers"] = strconv.Itoa(c.pending.policy.MinVerifiers)
		}
	}
	if record.Reason == "" {
		record.Reason = defaultReason
	}
	return record
}

func (c *Coordinator) recordOutcome(ctx context.Context, outcome domain.RotationOutcome) {
	if c.deps.Outcomes == nil {
		return
	}
	if err := c.deps.Outcomes.RecordRotationOutcome(ctx, c.agentID, outcome); err != nil {
		slog.WarnContext(ctx, "failed to record rotation outcome",
			"operation", "record_rotation_outcome",
			"agent_id", c.agentID,
			"outcome", string(outcome),
			"error", err,
		)
	}
}

func (c *Coordinator) resolvePolicy(ctx context.Context) (domain.VerificationPolicy, error) {
	if c.fixedPolicy != nil {
		return *c.fixedPolicy, nil
	}

	level := trust.LevelNone
	score, err := c.deps.Trust.GetTrustScore(ctx, c.agentID)
	switch {
	case errors.Is(err, domain.ErrTrustScoreNotFound):
	case err != nil:
		return domain.VerificationPolicy{}, fmt.Errorf("%w: loading trust score: %w", domain.ErrInternal, err)
	case score.IsValidAt(c.now()):
		level = score.Level
	}

	_, hasHistory, err := c.lastCompleted(ctx)
	if err != nil {
		return domain.VerificationPolicy{}, err
	}
	return PolicyFor(level, hasHistory, c.config), nil
}

func (c *Coordinator) lastCompleted(ctx context.Context) (domain.RotationRecord, bool, error) {
	records, err := c.deps.History.GetHistory(ctx, c.agentID, historyScanLimit)
	if err != nil {
		return domain.RotationRecord{}, false, fmt.Errorf("%w: loading rotation history: %w", domain.ErrInternal, err)
	}
	for _, r := range records {
		if r.Outcome == domain.RotationOutcomeCompleted {
			return r, true, nil
		}
	}
	return domain.RotationRecord{}, false, nil
}

func (c *Coordinator) checkGate() error {
	if !c.deps.Lifecycle.IsValidForTrust() {
		return fmt.Errorf("%w: trust lifecycle does not permit rotation", domain.ErrNotAllowed)
	}
	return nil
}

func (c *Coordinator) checkVerifier(verifierID string) error {
	p := c.pending
	switch {
	case verifierID == c.agentID:
		return fmt.Errorf("%w: self-attestation is not accepted", domain.ErrNotAllowed)
	case p.request == nil:
		return fmt.Errorf("%w: rotation does not use verifiers", domain.ErrNotAllowed)
	case !p.request.HasVerifier(verifierID):
		return fmt.Errorf("%w: %s is not a selected verifier", domain.ErrNotAllowed, verifierID)
	case p.request.IsExpiredAt(c.now()):
		return domain.ErrRequestExpired
	case p.attested[verifierID]:
		return fmt.Errorf("%w: %s has already attested", domain.ErrNotAllowed, verifierID)
	}
	return nil
}

func (c *Coordinator) collecting() bool {
	switch c.status.(type) {
	case domain.StatusDistributing, domain.StatusRotating:
		return c.pending != nil
	}
	return false
}

func (c *Coordinator) inProgress() bool {
	switch c.status.(type) {
	case domain.StatusScheduled, domain.StatusDistributing, domain.StatusRotating:
		return true
	}
	return false
}

func (c *Coordinator) invalidState(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", domain.ErrInvalidState, op, c.status.Phase())
}

// achievedLevel は検証者の申告レベルと選定時のレベルのうち低い方を返す。
func achievedLevel(claimed, selected trust.Level) trust.Level {
	if claimed == trust.LevelNone || claimed > selected {
		return selected
	}
	return claimed
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
