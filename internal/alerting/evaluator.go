package alerting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/metrics"
	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/storage"
)

// Phase is the state of one rule for one scope.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePending  Phase = "pending"
	PhaseFiring   Phase = "firing"
	PhaseCooldown Phase = "cooldown"
)

// Transition is a phase change of one (rule, scope) pair. Event is set when
// the transition opened or resolved an alert event.
type Transition struct {
	RuleID   string
	RuleName string
	NodeID   string
	From     Phase
	To       Phase
	At       time.Time
	Event    *models.AlertEvent
	Channels []string
}

// TransitionHandler announces transitions that carry an event. It reports
// whether at least one channel was notified.
type TransitionHandler interface {
	HandleTransition(ctx context.Context, t Transition) bool
}

// TransitionHandlerFunc adapts a function to TransitionHandler.
type TransitionHandlerFunc func(ctx context.Context, t Transition) bool

// HandleTransition calls f.
func (f TransitionHandlerFunc) HandleTransition(ctx context.Context, t Transition) bool {
	return f(ctx, t)
}

// EvaluationError is a runtime failure of one rule for one scope. The rule is
// skipped for that scope on that tick.
type EvaluationError struct {
	RuleID string
	Scope  string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("rule %s scope %s: %v", e.RuleID, scopeLabel(e.Scope), e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// EventStore persists alert events.
type EventStore interface {
	Create(ctx context.Context, e *models.AlertEvent) error
	Update(ctx context.Context, e *models.AlertEvent) error
	Latest(ctx context.Context) ([]*models.AlertEvent, error)
	ListOpen(ctx context.Context) ([]*models.AlertEvent, error)
}

// EvaluatorConfig configures the evaluator.
type EvaluatorConfig struct {
	// Interval between ticks.
	Interval time.Duration
	// NotifyTimeout bounds one handler call.
	NotifyTimeout time.Duration
	Verbose       bool
}

func (c *EvaluatorConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = time.Minute
	}
}

// EvaluatorStats tracks evaluator statistics using atomic operations.
type EvaluatorStats struct {
	Ticks              atomic.Int64
	EvaluationErrors   atomic.Int64
	Transitions        atomic.Int64
	TransitionsDropped atomic.Int64
	lastTick           atomic.Int64 // unix nanos of the last completed tick
}

// EvaluatorStatsSnapshot is a snapshot of evaluator statistics.
type EvaluatorStatsSnapshot struct {
	Ticks              int64
	EvaluationErrors   int64
	Transitions        int64
	TransitionsDropped int64
}

type stateKey struct {
	ruleID string
	nodeID string
}

// scopeState is the state machine of one (rule, scope) pair. mu guards
// every transition, including event persistence.
type scopeState struct {
	mu           sync.Mutex
	phase        Phase
	pendingSince time.Time
	resolvedAt   time.Time
	event        *models.AlertEvent
	resolved     *models.AlertEvent
}

// Evaluator runs alert rules on a fixed tick and keeps at most one open
// event per rule and scope.
type Evaluator struct {
	config  EvaluatorConfig
	source  InputSource
	events  EventStore
	handler TransitionHandler
	now     func() time.Time

	mu     sync.RWMutex
	rules  []*Rule
	states map[stateKey]*scopeState

	subMu   sync.Mutex
	subs    map[int]chan Transition
	nextSub int

	handlers sync.WaitGroup
	stats    *EvaluatorStats
}

// NewEvaluator creates an evaluator. handler may be nil.
func NewEvaluator(cfg EvaluatorConfig, source InputSource, events EventStore, handler TransitionHandler) *Evaluator {
	cfg.setDefaults()
	return &Evaluator{
		config:  cfg,
		source:  source,
		events:  events,
		handler: handler,
		now:     time.Now,
		states:  make(map[stateKey]*scopeState),
		subs:    make(map[int]chan Transition),
		stats:   &EvaluatorStats{},
	}
}

// SetRules replaces the rule set. State of rules that disappeared or were
// disabled is discarded and their open events are resolved, so re-enabling a
// rule starts from idle.
func (e *Evaluator) SetRules(rules []*Rule) {
	e.mu.Lock()
	e.rules = rules
	dropped := e.pruneStatesLocked()
	e.mu.Unlock()

	metrics.AlertRulesLoaded.Set(float64(len(rules)))
	if len(dropped) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for key, st := range dropped {
			e.closeDropped(ctx, key, st)
		}
	}
}

// Rules returns the current rule set.
func (e *Evaluator) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]*Rule, len(e.rules))
	copy(result, e.rules)
	return result
}

// pruneStatesLocked drops state for rules that are gone or disabled and
// returns what it dropped.
func (e *Evaluator) pruneStatesLocked() map[stateKey]*scopeState {
	active := make(map[string]bool, len(e.rules))
	for _, r := range e.rules {
		if r.IsEnabled() {
			active[r.ID] = true
		}
	}
	var dropped map[stateKey]*scopeState
	for key, st := range e.states {
		if !active[key.ruleID] {
			if dropped == nil {
				dropped = make(map[stateKey]*scopeState)
			}
			dropped[key] = st
			delete(e.states, key)
		}
	}
	return dropped
}

// closeDropped resolves the open event of a state that no longer has a rule.
// No transition is emitted: the condition did not clear.
func (e *Evaluator) closeDropped(ctx context.Context, key stateKey, st *scopeState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.event == nil {
		return
	}
	if err := e.closeEvent(ctx, st.event, e.now()); err != nil {
		log.Printf("[alerting] rule %s %s: failed to resolve event of removed rule: %v",
			key.ruleID, scopeLabel(key.nodeID), err)
		return
	}
	log.Printf("[alerting] rule %s %s: rule removed or disabled, resolved event %s",
		key.ruleID, scopeLabel(key.nodeID), st.event.ID)
	st.event = nil
	st.phase = PhaseIdle
}

// closeEvent marks ev resolved at now and persists it. ev is unchanged on
// failure.
func (e *Evaluator) closeEvent(ctx context.Context, ev *models.AlertEvent, now time.Time) error {
	resolvedAt := now
	ev.Status = models.AlertResolved
	ev.ResolvedAt = &resolvedAt
	if err := e.events.Update(ctx, ev); err != nil {
		ev.Status = models.AlertFiring
		ev.ResolvedAt = nil
		return err
	}
	return nil
}

func (e *Evaluator) state(key stateKey) *scopeState {
	e.mu.RLock()
	st, ok := e.states[key]
	e.mu.RUnlock()
	if ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok = e.states[key]; !ok {
		st = &scopeState{phase: PhaseIdle}
		e.states[key] = st
	}
	return st
}

// Phase returns the current phase of a rule for a scope ("" is the fleet).
func (e *Evaluator) Phase(ruleID, nodeID string) Phase {
	e.mu.RLock()
	st, ok := e.states[stateKey{ruleID, nodeID}]
	e.mu.RUnlock()
	if !ok {
		return PhaseIdle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase
}

// Run ticks until ctx is canceled, then waits for in-flight handlers.
func (e *Evaluator) Run(ctx context.Context) error {
	log.Printf("[alerting] evaluator started: %d rules, tick %s", len(e.Rules()), e.config.Interval)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Wait()
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx, e.now()); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[alerting] tick failed: %v", err)
			}
		}
	}
}

// Wait blocks until every handler call started so far has returned.
func (e *Evaluator) Wait() {
	e.handlers.Wait()
}

// Tick evaluates every enabled rule against every matching scope as of now.
// Ticks may run concurrently; per-scope locking keeps transitions consistent.
func (e *Evaluator) Tick(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() {
		metrics.AlertTickDuration.Observe(time.Since(start).Seconds())
	}()
	e.stats.Ticks.Add(1)

	snap, err := e.source.Snapshot(ctx, now)
	if err != nil {
		return fmt.Errorf("snapshot inputs: %w", err)
	}

	for _, r := range e.Rules() {
		if !r.IsEnabled() {
			continue
		}
		for _, scope := range scopesFor(r, snap) {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.evaluate(ctx, r, scope, now)
		}
	}
	e.stats.lastTick.Store(time.Now().UnixNano())
	return nil
}

func scopesFor(r *Rule, snap *Snapshot) []*ScopeInputs {
	if r.Scope == models.ScopeFleet {
		return []*ScopeInputs{&snap.Fleet}
	}
	var out []*ScopeInputs
	for i := range snap.Nodes {
		if r.AppliesTo(snap.Nodes[i].Role) {
			out = append(out, &snap.Nodes[i])
		}
	}
	return out
}

func (e *Evaluator) evaluate(ctx context.Context, r *Rule, in *ScopeInputs, now time.Time) {
	outcome, err := r.Compiled().Evaluate(in, r.Threshold)
	if err != nil {
		e.stats.EvaluationErrors.Add(1)
		metrics.AlertEvaluationErrors.Inc()
		log.Printf("[alerting] %v", &EvaluationError{RuleID: r.ID, Scope: in.NodeID, Err: err})
		return
	}

	key := stateKey{ruleID: r.ID, nodeID: in.NodeID}
	st := e.state(key)

	st.mu.Lock()
	transitions := e.step(ctx, r, in, st, outcome, now)
	st.mu.Unlock()

	for _, t := range transitions {
		e.emit(ctx, key, t)
	}
}

// step advances the state machine by one observation. Caller holds st.mu.
func (e *Evaluator) step(ctx context.Context, r *Rule, in *ScopeInputs, st *scopeState, outcome Outcome, now time.Time) []Transition {
	var out []Transition
	move := func(to Phase, ev *models.AlertEvent) {
		out = append(out, Transition{
			RuleID:   r.ID,
			RuleName: r.Name,
			NodeID:   in.NodeID,
			From:     st.phase,
			To:       to,
			At:       now,
			Event:    ev,
			Channels: r.Channels,
		})
		st.phase = to
	}

	// Cooldown expiry applies whatever the condition says.
	if st.phase == PhaseCooldown && now.Sub(st.resolvedAt) >= r.Cooldown {
		move(PhaseIdle, nil)
	}

	// Unknown is never a clean bill of health: hold the phase.
	if outcome == OutcomeUnknown {
		return out
	}
	holds := outcome == OutcomeTrue

	switch st.phase {
	case PhaseIdle:
		if holds {
			st.pendingSince = now
			move(PhasePending, nil)
			if r.Duration == 0 {
				e.fire(ctx, r, in, st, now, move)
			}
		}

	case PhasePending:
		if !holds {
			move(PhaseIdle, nil)
		} else if now.Sub(st.pendingSince) >= r.Duration {
			e.fire(ctx, r, in, st, now, move)
		}

	case PhaseFiring:
		if holds {
			e.refresh(ctx, r, in, st)
		} else {
			e.resolve(ctx, r, in, st, now, move)
		}

	case PhaseCooldown:
		// suppressed until expiry
	}
	return out
}

func (e *Evaluator) fire(ctx context.Context, r *Rule, in *ScopeInputs, st *scopeState, now time.Time, move func(Phase, *models.AlertEvent)) {
	ev := &models.AlertEvent{
		RuleID:   r.ID,
		RuleName: r.Name,
		Severity: r.Severity,
		Status:   models.AlertFiring,
		Message:  eventMessage(r, in),
		Details:  eventDetails(r, in),
		NodeID:   in.NodeID,
		FiredAt:  now,
	}

	err := e.events.Create(ctx, ev)
	if errors.Is(err, storage.ErrOpenEventExists) {
		// This scope was idle or pending, so an open event in the store
		// belongs to an earlier episode nobody is tracking. Close it and
		// open a fresh one that gets announced.
		err = e.closeOrphan(ctx, r.ID, in.NodeID, now)
		if err == nil {
			err = e.events.Create(ctx, ev)
		}
	}
	if err != nil {
		log.Printf("[alerting] rule %s %s: failed to create event, staying pending: %v",
			r.ID, scopeLabel(in.NodeID), err)
		return
	}

	st.event = ev
	st.resolved = nil
	move(PhaseFiring, ev.Clone())
}

func (e *Evaluator) closeOrphan(ctx context.Context, ruleID, nodeID string, now time.Time) error {
	open, err := e.findOpen(ctx, ruleID, nodeID)
	if err != nil {
		return fmt.Errorf("load open event: %w", err)
	}
	if open == nil {
		return nil
	}
	if err := e.closeEvent(ctx, open, now); err != nil {
		return fmt.Errorf("resolve orphaned event %s: %w", open.ID, err)
	}
	log.Printf("[alerting] rule %s %s: resolved orphaned event %s fired at %s",
		ruleID, scopeLabel(nodeID), open.ID, open.FiredAt.Format(time.RFC3339))
	return nil
}

func (e *Evaluator) findOpen(ctx context.Context, ruleID, nodeID string) (*models.AlertEvent, error) {
	open, err := e.events.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	for _, ev := range open {
		if ev.RuleID == ruleID && ev.NodeID == nodeID {
			return ev, nil
		}
	}
	return nil, nil
}

func (e *Evaluator) refresh(ctx context.Context, r *Rule, in *ScopeInputs, st *scopeState) {
	if st.event == nil {
		return
	}
	st.event.Message = eventMessage(r, in)
	st.event.Details = eventDetails(r, in)
	if err := e.events.Update(ctx, st.event); err != nil {
		log.Printf("[alerting] rule %s %s: failed to refresh event: %v", r.ID, scopeLabel(in.NodeID), err)
	}
}

func (e *Evaluator) resolve(ctx context.Context, r *Rule, in *ScopeInputs, st *scopeState, now time.Time, move func(Phase, *models.AlertEvent)) {
	ev := st.event
	if ev == nil {
		move(PhaseIdle, nil)
		return
	}

	if err := e.closeEvent(ctx, ev, now); err != nil {
		log.Printf("[alerting] rule %s %s: failed to resolve event, still firing: %v",
			r.ID, scopeLabel(in.NodeID), err)
		return
	}

	st.event = nil
	st.resolved = ev
	st.resolvedAt = now
	if r.Cooldown == 0 {
		move(PhaseIdle, ev.Clone())
		return
	}
	move(PhaseCooldown, ev.Clone())
}

func (e *Evaluator) emit(ctx context.Context, key stateKey, t Transition) {
	e.stats.Transitions.Add(1)
	metrics.AlertTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	if e.config.Verbose || t.Event != nil {
		log.Printf("[alerting] rule %s %s: %s -> %s", t.RuleID, scopeLabel(t.NodeID), t.From, t.To)
	}

	e.publish(t)

	if e.handler == nil || t.Event == nil {
		return
	}
	e.handlers.Add(1)
	go func() {
		defer e.handlers.Done()
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.NotifyTimeout)
		defer cancel()
		if e.handler.HandleTransition(hctx, t) {
			e.markNotified(hctx, key, t.Event.ID)
		}
	}()
}

// markNotified records a successful announcement on the event.
func (e *Evaluator) markNotified(ctx context.Context, key stateKey, eventID string) {
	e.mu.RLock()
	st, ok := e.states[key]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var target *models.AlertEvent
	switch {
	case st.event != nil && st.event.ID == eventID:
		target = st.event
	case st.resolved != nil && st.resolved.ID == eventID:
		target = st.resolved
	default:
		return
	}
	if target.Notified {
		return
	}
	target.Notified = true
	if err := e.events.Update(ctx, target); err != nil {
		log.Printf("[alerting] failed to record notification for event %s: %v", eventID, err)
	}
}

// Subscribe returns a channel receiving every transition. Transitions are
// dropped when the buffer is full. The returned func unsubscribes.
func (e *Evaluator) Subscribe(buffer int) (<-chan Transition, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Transition, buffer)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Evaluator) publish(t Transition) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	for _, ch := range e.subs {
		select {
		case ch <- t:
		default:
			dropped := e.stats.TransitionsDropped.Add(1)
			if dropped == 1 || dropped%100 == 0 {
				log.Printf("[alerting] warning: subscriber full, dropped %d transitions total", dropped)
			}
		}
	}
}

// Restore rebuilds state from the latest event of each rule and scope: an
// open event resumes firing, an event resolved within the rule's cooldown
// resumes cooldown, anything else starts idle.
func (e *Evaluator) Restore(ctx context.Context, now time.Time) error {
	latest, err := e.events.Latest(ctx)
	if err != nil {
		return fmt.Errorf("load latest events: %w", err)
	}

	rules := make(map[string]*Rule)
	for _, r := range e.Rules() {
		if r.IsEnabled() {
			rules[r.ID] = r
		}
	}

	var firing, cooling int
	for _, ev := range latest {
		r, ok := rules[ev.RuleID]
		if !ok {
			continue
		}
		st := e.state(stateKey{ruleID: ev.RuleID, nodeID: ev.NodeID})

		st.mu.Lock()
		switch {
		case ev.IsOpen():
			st.phase = PhaseFiring
			st.event = ev
			firing++
		case ev.ResolvedAt != nil && now.Sub(*ev.ResolvedAt) < r.Cooldown:
			st.phase = PhaseCooldown
			st.resolvedAt = *ev.ResolvedAt
			st.resolved = ev
			cooling++
		default:
			st.phase = PhaseIdle
		}
		st.mu.Unlock()
	}

	log.Printf("[alerting] restored state: %d firing, %d in cooldown", firing, cooling)
	return nil
}

// Stats returns a snapshot of evaluator statistics.
func (e *Evaluator) Stats() EvaluatorStatsSnapshot {
	return EvaluatorStatsSnapshot{
		Ticks:              e.stats.Ticks.Load(),
		EvaluationErrors:   e.stats.EvaluationErrors.Load(),
		Transitions:        e.stats.Transitions.Load(),
		TransitionsDropped: e.stats.TransitionsDropped.Load(),
	}
}

// LastTick returns when the last tick completed, or the zero time.
func (e *Evaluator) LastTick() time.Time {
	if n := e.stats.lastTick.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

func scopeLabel(nodeID string) string {
	if nodeID == "" {
		return "fleet"
	}
	return "node " + nodeID
}

func eventMessage(r *Rule, in *ScopeInputs) string {
	return fmt.Sprintf("%s on %s: %s", r.Name, scopeLabel(in.NodeID), r.AlertRule.Condition)
}

func eventDetails(r *Rule, in *ScopeInputs) map[string]any {
	details := make(map[string]any)
	for _, name := range r.Compiled().Inputs() {
		if v, ok := in.Values[name]; ok {
			details[name] = v
		}
	}
	if r.Threshold != nil {
		details["threshold"] = *r.Threshold
	}
	details["scope"] = scopeLabel(in.NodeID)
	return details
}
