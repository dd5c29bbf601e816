package trust

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// State はライフサイクルの状態。
type State int

const (
	StateInitial State = iota
	StateEstablishing
	StateActive
	StateSuspended
	StateReviewing
	StateRevoked
	StateExpired
	StateGracePeriod
)

var stateNames = map[State]string{
	StateInitial:      "initial",
	StateEstablishing: "establishing",
	StateActive:       "active",
	StateSuspended:    "suspended",
	StateReviewing:    "reviewing",
	StateRevoked:      "revoked",
	StateExpired:      "expired",
	StateGracePeriod:  "grace_period",
}

// String は状態名を返す。
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState は状態名を解釈する。
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateInitial, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// MarshalText は状態名に変換する。
func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText は状態名から復元する。
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// 遷移表。GracePeriodへはどの状態からも遷移できる。
var allowedTransitions = map[State][]State{
	StateInitial:      {StateEstablishing},
	StateEstablishing: {StateActive, StateRevoked},
	StateActive:       {StateSuspended, StateReviewing, StateRevoked, StateExpired},
	StateSuspended:    {StateActive, StateReviewing, StateRevoked},
	StateReviewing:    {StateActive, StateSuspended, StateRevoked},
	StateGracePeriod:  {StateActive, StateExpired},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
func CanTransition(from, to State) bool {
	if to == StateGracePeriod {
		return true
	}
	return slices.Contains(allowedTransitions[from], to)
}

// Transition は状態遷移の要求。Atがゼロ値なら適用時刻を使う。
type Transition struct {
	Target   State          `json:"target_state"`
	Reason   string         `json:"reason"`
	At       time.Time      `json:"transition_at"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryEntry は離脱した状態の記録。
type HistoryEntry struct {
	State     State          `json:"state"`
	EnteredAt time.Time      `json:"entered_at"`
	ExitedAt  time.Time      `json:"exited_at"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Snapshot は永続化用のライフサイクルの状態。
type Snapshot struct {
	Current        State
	StateEnteredAt time.Time
	Next           *Transition
	History        []HistoryEntry
	StateMetadata  map[string]string
}

// Lifecycle はエージェントごとの信頼ライフサイクル。
type Lifecycle struct {
	mu        sync.RWMutex
	current   State
	enteredAt time.Time
	next      *Transition
	history   []HistoryEntry
	metadata  map[string]string
	now       func() time.Time
}

// LifecycleOption はLifecycleの設定を変更する。
type LifecycleOption func(*Lifecycle)

// WithLifecycleClock は時刻の取得元を差し替える。
func WithLifecycleClock(now func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		l.now = now
	}
}

// NewLifecycle はInitial状態のライフサイクルを生成する。
func NewLifecycle(opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		current:  StateInitial,
		metadata: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.enteredAt = l.now()
	return l
}

// RestoreLifecycle はスナップショットからライフサイクルを復元する。
func RestoreLifecycle(s Snapshot, opts ...LifecycleOption) (*Lifecycle, error) {
	if _, ok := stateNames[s.Current]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s.Current))
	}
	l := &Lifecycle{
		current:   s.Current,
		enteredAt: s.StateEnteredAt,
		history:   slices.Clone(s.History),
		metadata:  make(map[string]string, len(s.StateMetadata)),
		now:       time.Now,
	}
	maps.Copy(l.metadata, s.StateMetadata)
	if s.Next != nil {
		next := *s.Next
		l.next = &next
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Snapshot は現在の状態のコピーを返す。
func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Snapshot{
		Current:        l.current,
		StateEnteredAt: l.enteredAt,
		History:        slices.Clone(l.history),
		StateMetadata:  maps.Clone(l.metadata),
	}
	if l.next != nil {
		next := *l.next
		s.Next = &next
	}
	return s
}

// ApplyTransition は遷移表を検査して状態を移す。失敗時は何も変更しない。
// 遷移時刻は常に現在時刻で、t.Atは使わない。
func (l *Lifecycle) ApplyTransition(t Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(t, l.now())
}

func (l *Lifecycle) applyLocked(t Transition, at time.Time) error {
	if !CanTransition(l.current, t.Target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, l.current, t.Target)
	}
	if at.Before(l.enteredAt) {
		at = l.enteredAt
	}

	l.history = append(l.history, HistoryEntry{
		State:     l.current,
		EnteredAt: l.enteredAt,
		ExitedAt:  at,
		Reason:    t.Reason,
		Metadata:  maps.Clone(t.Metadata),
	})
	l.current = t.Target
	l.enteredAt = at
	l.next = nil
	l.metadata = make(map[string]string)
	return nil
}

// ScheduleTransition は将来の遷移を予約する。現在の状態は変更しない。
func (l *Lifecycle) ScheduleTransition(t Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !CanTransition(l.current, t.Target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, l.current, t.Target)
	}
	if !t.At.After(l.now()) {
		return fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidStateTransition)
	}

	scheduled := t
	scheduled.Metadata = maps.Clone(t.Metadata)
	l.next = &scheduled
	return nil
}

// CheckPendingTransitions は予約時刻に達した遷移を適用し、新しい状態を返す。
// 適用するものが無ければfalseを返す。
func (l *Lifecycle) CheckPendingTransitions() (State, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.next == nil || l.now().Before(l.next.At) {
		return l.current, false, nil
	}
	if err := l.applyLocked(*l.next, l.next.At); err != nil {
		return l.current, false, err
	}
	return l.current, true, nil
}

// IsValidForTrust はActiveまたはGracePeriodのときのみtrueを返す。
func (l *Lifecycle) IsValidForTrust() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current == StateActive || l.current == StateGracePeriod
}

// IsActive はActive状態かどうかを返す。
func (l *Lifecycle) IsActive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current == StateActive
}

// CurrentState は現在の状態を返す。
func (l *Lifecycle) CurrentState() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// StateEnteredAt は現在の状態に入った時刻を返す。
func (l *Lifecycle) StateEnteredAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enteredAt
}

// CurrentStateDuration は現在の状態に留まっている時間を返す。
func (l *Lifecycle) CurrentStateDuration() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now().Sub(l.enteredAt)
}

// NextTransition は予約中の遷移を返す。
func (l *Lifecycle) NextTransition() (Transition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.next == nil {
		return Transition{}, false
	}
	return *l.next, true
}

// History は状態履歴のコピーを古い順に返す。
func (l *Lifecycle) History() []HistoryEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.history)
}

// SetStateMetadata は現在の状態に付随するメタデータを設定する。
func (l *Lifecycle) SetStateMetadata(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadata[key] = value
}

// StateMetadata は現在の状態のメタデータのコピーを返す。
func (l *Lifecycle) StateMetadata() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.metadata)
}
