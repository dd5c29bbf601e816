package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agent-trust-service/internal/crypto"
	"agent-trust-service/internal/domain"
	"agent-trust-service/internal/metrics"
	"agent-trust-service/internal/rotation"
	"agent-trust-service/internal/trust"
	"agent-trust-service/internal/verifier"
)

// TrustProvider は信頼スコアの取得元かつローテーション結果の反映先。
type TrustProvider interface {
	verifier.TrustSource
	rotation.OutcomeRecorder
}

// RotationDeps はRotationServiceの依存先。Metricsは省略できる。
type RotationDeps struct {
	Agents     AgentRepository
	Keys       KeyRepository
	Lifecycles LifecycleRepository
	History    rotation.HistoryStore
	Requests   rotation.RequestStore
	Trust      TrustProvider
	Selector   *verifier.Selector
	Encrypter  KeyEncrypter
	Metrics    *metrics.Metrics
}

// RotationView はローテーション状態の参照結果。
type RotationView struct {
	AgentID string
	Status  domain.RotationStatus
	Request *domain.VerificationRequest
	Config  domain.RotationConfig
}

type agentRotation struct {
	coord     *rotation.Coordinator
	gate      *lifecycleGate
	startedAt time.Time
}

// RotationService はエージェントごとのCoordinatorを管理し、ローテーション操作を提供する。
// Coordinatorは初回アクセス時に現在の鍵と設定から構築し、プロセス内に保持する。
type RotationService struct {
	deps        RotationDeps
	cfg         domain.RotationConfig
	minStrength int
	now         func() time.Time
	tracer      trace.Tracer

	mu           sync.Mutex
	coordinators map[string]*agentRotation
}

// NewRotationService は新しいRotationServiceを生成する。
func NewRotationService(deps RotationDeps, cfg domain.RotationConfig, minStrength int) *RotationService {
	return &RotationService{
		deps:         deps,
		cfg:          cfg,
		minStrength:  minStrength,
		now:          time.Now,
		tracer:       otel.Tracer("agent-trust-service/internal/usecase"),
		coordinators: make(map[string]*agentRotation),
	}
}

// Status は現在のローテーション状態を返す。
func (s *RotationService) Status(ctx context.Context, agentID string) (*RotationView, error) {
	ar, err := s.coordinator(ctx, agentID)
	if err != nil {
		return nil, err
	}
	view := &RotationView{
		AgentID: agentID,
		Status:  ar.coord.Status(),
		Config:  ar.coord.Config(),
	}
	if req, ok := ar.coord.ActiveRequest(); ok {
		view.Request = &req
	}
	return view, nil
}

// Schedule はローテーションを予約し、予定時刻を返す。予約はプロセス内にのみ保持される。
func (s *RotationService) Schedule(ctx context.Context, agentID, reason string) (time.Time, error) {
	ctx, span := s.startSpan(ctx, "rotation.schedule", agentID)
	defer span.End()

	ar, err := s.prepare(ctx, agentID)
	if err != nil {
		return time.Time{}, s.fail(ctx, span, "schedule", agentID, err)
	}
	at, err := ar.coord.Schedule(ctx, reason)
	if err != nil {
		return time.Time{}, s.fail(ctx, span, "schedule", agentID, err)
	}
	return at, nil
}

// Begin はローテーションを開始する。
func (s *RotationService) Begin(ctx context.Context, agentID, reason string) (domain.RotationStatus, error) {
	ctx, span := s.startSpan(ctx, "rotation.begin", agentID)
	defer span.End()

	ar, err := s.prepare(ctx, agentID)
	if err != nil {
		return nil, s.fail(ctx, span, "begin", agentID, err)
	}
	return s.begin(ctx, span, agentID, ar, reason)
}

func (s *RotationService) begin(ctx context.Context, span trace.Span, agentID string, ar *agentRotation, reason string) (domain.RotationStatus, error) {
	st, err := ar.coord.Begin(ctx, reason)
	if err != nil {
		return nil, s.fail(ctx, span, "begin", agentID, err)
	}

	s.mu.Lock()
	ar.startedAt = s.now()
	s.mu.Unlock()
	s.deps.Metrics.RotationStarted()

	span.SetAttributes(attribute.String("rotation.phase", string(st.Phase())))
	if d, ok := st.(domain.StatusDistributing); ok {
		span.SetAttributes(attribute.StringSlice("rotation.verifiers", d.DistributedTo))
	}
	return st, nil
}

// IssueProof は検証者向けの所有証明を発行する。
func (s *RotationService) IssueProof(ctx context.Context, agentID, verifierID string) ([]byte, error) {
	ctx, span := s.startSpan(ctx, "rotation.issue_proof", agentID)
	defer span.End()
	span.SetAttributes(attribute.String("verifier.id", verifierID))

	ar, err := s.prepare(ctx, agentID)
	if err != nil {
		return nil, s.fail(ctx, span, "issue_proof", agentID, err)
	}
	proof, err := ar.coord.IssueOwnershipProof(ctx, verifierID)
	if err != nil {
		return nil, s.fail(ctx, span, "issue_proof", agentID, err)
	}
	return proof, nil
}

// SubmitAttestation は検証者の証明を受け付ける。
// 検証リクエストの期限切れで拒否した場合はローテーションを中断する。
func (s *RotationService) SubmitAttestation(ctx context.Context, agentID string, att domain.Attestation) (domain.VerificationResult, error) {
	ctx, span := s.startSpan(ctx, "rotation.submit_attestation", agentID)
	defer span.End()
	span.SetAttributes(attribute.String("verifier.id", att.VerifierID))

	ar, err := s.prepare(ctx, agentID)
	if err != nil {
		return domain.VerificationResult{}, s.fail(ctx, span, "submit_attestation", agentID, err)
	}

	result, err := ar.coord.SubmitAttestation(ctx, att)
	if errors.Is(err, domain.ErrRequestExpired) {
		if abortErr := ar.coord.Abort(ctx, "verification request expired", err); abortErr == nil {
			s.deps.Metrics.RotationFinished(string(domain.RotationOutcomeAborted), 0, true)
		} else if !errors.Is(abortErr, domain.ErrInvalidState) {
			slog.ErrorContext(ctx, "failed to abort expired rotation",
				"operation", "submit_attestation",
				"agent_id", agentID,
				"error", abortErr,
			)
		}
	}
	if err != nil {
		return domain.VerificationResult{}, s.fail(ctx, span, "submit_attestation", agentID, err)
	}

	s.deps.Metrics.AttestationAccepted(string(result.Status))
	return result, nil
}

// Complete はローテーションを確定する。
func (s *RotationService) Complete(ctx context.Context, agentID string) (domain.RotationRecord, error) {
	ctx, span := s.startSpan(ctx, "rotation.complete", agentID)
	defer span.End()

	ar, err := s.prepare(ctx, agentID)
	if err != nil {
		return domain.RotationRecord{}, s.fail(ctx, span, "complete", agentID, err)
	}
	record, err := ar.coord.Complete(ctx)
	if err != nil {
		return domain.RotationRecord{}, s.fail(ctx, span, "complete", agentID, err)
	}

	s.mu.Lock()
	elapsed := record.Timestamp.Sub(ar.startedAt)
	ar.startedAt = time.Time{}
	s.mu.Unlock()
	s.deps.Metrics.RotationFinished(string(domain.RotationOutcomeCompleted), elapsed, true)

	span.SetAttributes(attribute.Bool("rotation.verified", record.Verified))
	return record, nil
}

// Cancel は進行中または予約中のローテーションを取り消す。
// エージェントが停止中でも取り消しは行える。
func (s *RotationService) Cancel(ctx context.Context, agentID string) error {
	ctx, span := s.startSpan(ctx, "rotation.cancel", agentID)
	defer span.End()

	ar, err := s.coordinator(ctx, agentID)
	if err != nil {
		return s.fail(ctx, span, "cancel", agentID, err)
	}
	collecting := isCollecting(ar.coord.Status())
	if err := ar.coord.Cancel(ctx); err != nil {
		return s.fail(ctx, span, "cancel", agentID, err)
	}
	s.deps.Metrics.RotationFinished(string(domain.RotationOutcomeCancelled), 0, collecting)
	return nil
}

// Abort は進行中のローテーションを失敗として終える。
func (s *RotationService) Abort(ctx context.Context, agentID, reason string, cause error) error {
	ctx, span := s.startSpan(ctx, "rotation.abort", agentID)
	defer span.End()

	ar, err := s.coordinator(ctx, agentID)
	if err != nil {
		return s.fail(ctx, span, "abort", agentID, err)
	}
	if err := ar.coord.Abort(ctx, reason, cause); err != nil {
		return s.fail(ctx, span, "abort", agentID, err)
	}
	s.deps.Metrics.RotationFinished(string(domain.RotationOutcomeAborted), 0, true)
	return nil
}

// Reset は完了または失敗した状態をStableへ戻す。
func (s *RotationService) Reset(ctx context.Context, agentID string) error {
	ar, err := s.coordinator(ctx, agentID)
	if err != nil {
		return err
	}
	return ar.coord.Reset()
}

// History はローテーション履歴を新しい順に最大limit件返す。
func (s *RotationService) History(ctx context.Context, agentID string, limit int) ([]domain.RotationRecord, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return nil, err
	}
	records, err := s.deps.History.GetHistory(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: loading rotation history: %w", domain.ErrInternal, err)
	}
	return records, nil
}

// CheckRotationNeeded は鍵の経過時間と有効な信頼スコアのレベルからローテーションが必要かを返す。
func (s *RotationService) CheckRotationNeeded(ctx context.Context, agentID string) (bool, error) {
	ar, err := s.coordinator(ctx, agentID)
	if err != nil {
		return false, err
	}
	return ar.coord.CheckRotationNeeded(ctx)
}

// BeginDue は予約時刻に達したローテーションを開始し、開始した件数を返す。
// 対象はプロセス内に保持しているCoordinatorのみ。予約は永続化されないため、
// プロセスを再起動すると予約中のローテーションは失われる（再度Scheduleが必要）。
func (s *RotationService) BeginDue(ctx context.Context) int {
	s.mu.Lock()
	due := make(map[string]*agentRotation)
	now := s.now()
	for id, ar := range s.coordinators {
		if st, ok := ar.coord.Status().(domain.StatusScheduled); ok && !now.Before(st.At) {
			due[id] = ar
		}
	}
	s.mu.Unlock()

	started := 0
	for agentID := range due {
		spanCtx, span := s.startSpan(ctx, "rotation.begin_due", agentID)
		ar, err := s.prepare(spanCtx, agentID)
		if err == nil {
			_, err = s.begin(spanCtx, span, agentID, ar, "")
		} else {
			err = s.fail(spanCtx, span, "begin", agentID, err)
		}
		span.End()
		if err != nil {
			slog.WarnContext(ctx, "failed to begin scheduled rotation",
				"operation", "begin_due_rotations",
				"agent_id", agentID,
				"error", err,
			)
			continue
		}
		started++
	}
	return started
}

// prepare はCoordinatorを取得し、エージェントのステータスとライフサイクルを最新化する。
func (s *RotationService) prepare(ctx context.Context, agentID string) (*agentRotation, error) {
	agent, err := s.deps.Agents.FindByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: finding agent: %w", domain.ErrInternal, err)
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	if !agent.IsOperational() {
		return nil, fmt.Errorf("%w: agent %s is %s", domain.ErrNotAllowed, agentID, agent.Status)
	}

	ar, err := s.coordinator(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := ar.gate.refresh(ctx); err != nil {
		return nil, err
	}
	return ar, nil
}

// coordinator はエージェントのCoordinatorを返す。無ければ現在の鍵から構築する。
func (s *RotationService) coordinator(ctx context.Context, agentID string) (*agentRotation, error) {
	s.mu.Lock()
	ar, ok := s.coordinators[agentID]
	s.mu.Unlock()
	if ok {
		return ar, nil
	}

	built, err := s.build(ctx, agentID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ar, ok := s.coordinators[agentID]; ok {
		return ar, nil
	}
	s.coordinators[agentID] = built
	return built, nil
}

func (s *RotationService) build(ctx context.Context, agentID string) (*agentRotation, error) {
	if err := s.requireAgent(ctx, agentID); err != nil {
		return nil, err
	}

	key, err := s.deps.Keys.FindActiveByAgentID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: finding current key: %w", domain.ErrInternal, err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: no active key for %s", domain.ErrKeyNotFound, agentID)
	}

	seed, err := s.deps.Encrypter.Decrypt(ctx, key.EncryptedPrivateKey, []byte(agentID))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting current key: %w", domain.ErrInternal, err)
	}
	kp, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: restoring current key: %w", domain.ErrInternal, err)
	}
	if !kp.Public.Equal(key.PublicKey) {
		return nil, fmt.Errorf("%w: stored key for %s does not match its public key", domain.ErrInternal, agentID)
	}
	km, err := crypto.NewKeyManager(kp, key.CreatedAt, s.minStrength)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}

	// 前回プロセスの検証リクエストは新しい秘密鍵を失っているため取り消す
	if stale, err := s.deps.Requests.GetActiveRequest(ctx, agentID); err != nil {
		return nil, fmt.Errorf("%w: finding active verification request: %w", domain.ErrInternal, err)
	} else if stale != nil {
		if err := s.deps.Requests.CancelRequest(ctx, stale.ID); err != nil {
			return nil, fmt.Errorf("%w: cancelling stale verification request: %w", domain.ErrInternal, err)
		}
		slog.WarnContext(ctx, "cancelled verification request left by a previous process",
			"operation", "build_coordinator",
			"agent_id", agentID,
			"request_id", stale.ID,
		)
	}

	gate := &lifecycleGate{agentID: agentID, repo: s.deps.Lifecycles, now: s.now}
	coord, err := rotation.NewCoordinator(agentID, s.cfg, rotation.Dependencies{
		Keys:      km,
		Lifecycle: gate,
		Selector:  s.deps.Selector,
		Trust:     s.deps.Trust,
		History:   s.deps.History,
		Requests:  s.deps.Requests,
		Committer: &keyCommitter{keys: s.deps.Keys, encrypter: s.deps.Encrypter, overlap: s.cfg.OverlapPeriod()},
		Outcomes:  s.deps.Trust,
	}, rotation.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	return &agentRotation{coord: coord, gate: gate}, nil
}

func (s *RotationService) requireAgent(ctx context.Context, agentID string) error {
	agent, err := s.deps.Agents.FindByID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: finding agent: %w", domain.ErrInternal, err)
	}
	if agent == nil {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	return nil
}

func (s *RotationService) startSpan(ctx context.Context, name, agentID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("agent.id", agentID)))
}

// fail はエラーをスパンとメトリクスに記録して返す。
func (s *RotationService) fail(ctx context.Context, span trace.Span, operation, agentID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	class := ErrorClass(err)
	s.deps.Metrics.Rejected(operation, class)
	if class == "internal" {
		slog.ErrorContext(ctx, "rotation operation failed",
			"operation", operation,
			"agent_id", agentID,
			"error", err,
		)
	}
	return err
}

// ErrorClass はエラーをメトリクス・ログ用の区分に分類する。
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrNotAllowed):
		return "not_allowed"
	case errors.Is(err, crypto.ErrInvalidSignature), errors.Is(err, crypto.ErrInvalidKeyFormat),
		errors.Is(err, trust.ErrInvalidTrustScore), errors.Is(err, trust.ErrInvalidStateTransition):
		return "invalid_input"
	}
	return "internal"
}

func isCollecting(st domain.RotationStatus) bool {
	switch st.(type) {
	case domain.StatusDistributing, domain.StatusRotating:
		return true
	}
	return false
}

// lifecycleGate は直近に読み込んだライフサイクルでローテーションの可否を判定する。
type lifecycleGate struct {
	agentID string
	repo    LifecycleRepository
	now     func() time.Time

	mu    sync.RWMutex
	valid bool
}

func (g *lifecycleGate) refresh(ctx context.Context) error {
	snap, err := g.repo.Load(ctx, g.agentID)
	if err != nil {
		return fmt.Errorf("%w: loading lifecycle: %w", domain.ErrInternal, err)
	}
	valid := false
	if snap != nil {
		lc, err := trust.RestoreLifecycle(*snap, trust.WithLifecycleClock(g.now))
		if err != nil {
			return fmt.Errorf("%w: restoring lifecycle: %w", domain.ErrInternal, err)
		}
		valid = lc.IsValidForTrust()
	}

	g.mu.Lock()
	g.valid = valid
	g.mu.Unlock()
	return nil
}

func (g *lifecycleGate) IsValidForTrust() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.valid
}

// keyCommitter は新しい鍵を暗号化し、鍵世代とローテーション記録を1トランザクションで保存する。
type keyCommitter struct {
	keys      KeyRepository
	encrypter KeyEncrypter
	overlap   time.Duration
}

func (c *keyCommitter) CommitRotation(ctx context.Context, agentID string, record domain.RotationRecord, next crypto.KeyPair) error {
	encrypted, err := c.encrypter.Encrypt(ctx, next.Private.Seed(), []byte(agentID))
	if err != nil {
		return fmt.Errorf("encrypting key: %w", err)
	}
	key := &domain.AgentKey{
		AgentID:             agentID,
		PublicKey:           next.Public,
		EncryptedPrivateKey: encrypted,
		Status:              domain.KeyStatusActive,
	}
	return c.keys.CommitRotation(ctx, record, key, record.Timestamp.Add(c.overlap))
}
