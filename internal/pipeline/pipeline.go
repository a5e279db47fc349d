// Package pipeline implements the orchestrator that sequences
// preprocessing, the conversation state machine and postprocessing for
// every inbound message.
//
// The orchestrator owns one circuit breaker per stage, applies bounded
// retries with exponential backoff, enforces the global wall-clock budget,
// serializes turns per sender, and checkpoints conversation state after
// every successful turn. Raw stage errors never reach the user: every
// failure resolves to a retry, a fallback or an escalation.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EduPipe/LeadPipe/internal/breaker"
	"github.com/EduPipe/LeadPipe/internal/cache"
	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/flow"
	"github.com/EduPipe/LeadPipe/internal/metrics"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/postprocess"
	"github.com/EduPipe/LeadPipe/internal/preprocess"
	"github.com/EduPipe/LeadPipe/internal/store"
)

// Stage names used for breakers, metrics and the decision trail.
const (
	stagePreprocess   = "preprocess"
	stageStateMachine = "state_machine"
	stagePostprocess  = "postprocess"
)

// knowledgeSimilarityThreshold gates reuse of cached answers for
// similar-enough queries.
const knowledgeSimilarityThreshold = 0.6

const apologyReply = "Desculpe, estamos com dificuldade para responder agora. " +
	"Pode tentar novamente em instantes?"

// persistenceRetryAttempts bounds checkpoint retries before degrading to
// in-memory state.
const persistenceRetryAttempts = 2

// Orchestrator sequences the pipeline stages for each inbound message.
type Orchestrator struct {
	cfg      config.PipelineConfig
	pre      *preprocess.Stage
	machine  *flow.Machine
	post     *postprocess.Stage
	store    store.Store
	fallback *store.InMemoryStore
	cache    *cache.Tiered

	breakers map[string]*breaker.Breaker
	locks    *senderLocks
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// Opts holds configuration options for the orchestrator.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for the orchestrator.
type Option func(*Opts)

// WithClock overrides the orchestrator's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// New creates the orchestrator.
func New(cfg config.PipelineConfig, breakers config.BreakerConfig,
	pre *preprocess.Stage, machine *flow.Machine, post *postprocess.Stage,
	st store.Store, tiered *cache.Tiered, opts ...Option) *Orchestrator {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if cfg.GlobalTimeout <= 0 {
		cfg.GlobalTimeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 50 * time.Millisecond
	}

	return &Orchestrator{
		cfg:      cfg,
		pre:      pre,
		machine:  machine,
		post:     post,
		store:    st,
		fallback: store.NewInMemoryStore(),
		cache:    tiered,
		breakers: map[string]*breaker.Breaker{
			stagePreprocess:   breaker.New(stagePreprocess, breakers.Preprocess.FailureThreshold, breakers.Preprocess.RecoveryTimeout),
			stageStateMachine: breaker.New(stageStateMachine, breakers.StateMachine.FailureThreshold, breakers.StateMachine.RecoveryTimeout),
			stagePostprocess:  breaker.New(stagePostprocess, breakers.Postprocess.FailureThreshold, breakers.Postprocess.RecoveryTimeout),
		},
		locks: newSenderLocks(),
		now:   o.Now,
		sleep: sleepCtx,
	}
}

// Process runs one inbound message through the full pipeline and returns
// the outbound reply. A nil outbound with a nil error means the message was
// a duplicate and the turn was skipped.
func (o *Orchestrator) Process(ctx context.Context, msg models.InboundMessage) (*models.OutboundMessage, error) {
	if msg.SenderID == "" {
		return nil, models.ErrEmptySender
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GlobalTimeout)
	defer cancel()

	// Per-sender serialization: turns for one sender never interleave.
	// Cancellation (including the global budget) releases the wait.
	if err := o.locks.acquire(ctx, msg.SenderID); err != nil {
		return nil, fmt.Errorf("turn cancelled while waiting for sender lock: %w", err)
	}
	defer o.locks.releaseHeld(msg.SenderID)

	// Idempotency: a message id whose turn already completed is dropped
	// before any side effect can repeat. Ids recorded by a turn that
	// failed stay open, so gateway retries are processed again.
	if msg.MessageID != "" {
		fresh, err := o.recordInbound(msg)
		if err != nil {
			slog.Error("Dedup record failed, continuing without idempotency guarantee",
				"messageID", msg.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Duplicate inbound message skipped", "messageID", msg.MessageID,
				"senderID", models.RedactPhone(msg.SenderID))
			return nil, nil
		}
	}

	state := o.loadState(ctx, msg.SenderID)

	out, err := o.runTurn(ctx, state, msg)
	if err != nil {
		return out, err
	}

	o.checkpoint(ctx, state)
	if msg.MessageID != "" {
		o.markProcessed(msg.MessageID)
	}
	return out, nil
}

// runTurn executes the three stages in order under the global budget.
func (o *Orchestrator) runTurn(ctx context.Context, state *models.ConversationState, msg models.InboundMessage) (*models.OutboundMessage, error) {
	// Stage 1: preprocessing.
	var preResult *preprocess.Result
	outcome, err := o.runStage(ctx, state, stagePreprocess, func(ctx context.Context) error {
		var perr error
		preResult, perr = o.pre.Run(msg)
		return perr
	})
	switch {
	case errors.Is(err, models.ErrAuth):
		// Abort immediately: no retry, no reply, no later stages.
		return nil, err
	case errors.Is(err, models.ErrRateLimited):
		// The templated backoff hint is the turn's reply.
		return o.deliverFallback(ctx, state, preResult.Reply, preResult.Category)
	case err != nil:
		return o.deliverFallback(ctx, state, apologyReply, models.CategoryFallback)
	case outcome == "skipped":
		// Preprocess breaker open: answer with the apology fallback rather
		// than admitting unvetted input into the conversation.
		return o.deliverFallback(ctx, state, apologyReply, models.CategoryFallback)
	}

	if preResult.SkipStateMachine {
		// Out-of-hours template; the conversation stage is not invoked.
		return o.deliverFallback(ctx, state, preResult.Reply, preResult.Category)
	}

	// Stage 2: conversation state machine.
	var turn *flow.TurnResult
	outcome, err = o.runStage(ctx, state, stageStateMachine, func(ctx context.Context) error {
		var terr error
		turn, terr = o.machine.Turn(ctx, state, preResult.Text)
		return terr
	})
	if err != nil || outcome == "skipped" {
		reply, category := o.stageFallback(ctx, state, preResult.Text)
		return o.deliverFallback(ctx, state, reply, category)
	}

	// Populate the knowledge tier with reusable free-form answers.
	if o.cache != nil && turn.Category == models.CategoryInfo {
		o.cache.SetKnowledge(ctx, preResult.Text, []byte(turn.Reply))
	}
	o.rememberLastGood(ctx, state.SenderID, turn.Reply)

	// Stage 3: postprocessing and delivery.
	var out *models.OutboundMessage
	outcome, err = o.runStage(ctx, state, stagePostprocess, func(ctx context.Context) error {
		var perr error
		out, perr = o.post.Run(ctx, state, turn.Reply, turn.Category)
		return perr
	})
	if err != nil {
		return out, fmt.Errorf("delivery failed: %w", err)
	}
	if outcome == "skipped" {
		return nil, fmt.Errorf("postprocess circuit breaker open")
	}

	metrics.TurnsByStage.WithLabelValues(string(turn.Stage)).Inc()
	return out, nil
}

// runStage wraps one stage execution with its circuit breaker, bounded
// retries and a decision trail entry.
func (o *Orchestrator) runStage(ctx context.Context, state *models.ConversationState, name string, fn func(context.Context) error) (string, error) {
	br := o.breakers[name]
	start := o.now()

	if !br.Allow() {
		slog.Warn("Stage circuit breaker open, skipping stage", "stage", name)
		o.trail(state, name, "skipped", o.now().Sub(start))
		metrics.StageOutcomes.WithLabelValues(name, "skipped").Inc()
		return "skipped", nil
	}

	var err error
	for attempt := 0; attempt <= o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := o.cfg.RetryBase * time.Duration(1<<(attempt-1))
			if serr := o.sleep(ctx, backoff); serr != nil {
				err = serr
				break
			}
		}

		err = fn(ctx)
		if err == nil {
			br.RecordSuccess()
			d := o.now().Sub(start)
			o.trail(state, name, "ok", d)
			metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
			metrics.StageOutcomes.WithLabelValues(name, "ok").Inc()
			return "ok", nil
		}

		// User-correctable failures are not stage faults: they neither
		// retry nor open the breaker.
		if errors.Is(err, models.ErrAuth) || errors.Is(err, models.ErrRateLimited) || errors.Is(err, models.ErrValidation) {
			br.CancelProbe()
			o.trail(state, name, "rejected", o.now().Sub(start))
			metrics.StageOutcomes.WithLabelValues(name, "rejected").Inc()
			return "rejected", err
		}
		if ctx.Err() != nil {
			// Global budget exceeded mid-stage: stop retrying, fall back.
			break
		}
		slog.Warn("Stage execution failed", "stage", name, "attempt", attempt, "error", err)
	}

	br.RecordFailure()
	d := o.now().Sub(start)
	o.trail(state, name, "error", d)
	metrics.StageDuration.WithLabelValues(name).Observe(d.Seconds())
	metrics.StageOutcomes.WithLabelValues(name, "error").Inc()
	return "error", err
}

// stageFallback picks the best available reply when the state machine stage
// is unavailable: a cached answer for a similar question, the sender's last
// good reply, or the templated apology.
func (o *Orchestrator) stageFallback(ctx context.Context, state *models.ConversationState, text string) (string, models.ResponseCategory) {
	if o.cache != nil {
		if val, ok := o.cache.GetKnowledge(ctx, text, knowledgeSimilarityThreshold); ok {
			return string(val), models.CategoryInfo
		}
		if val, ok := o.cache.Get(ctx, "lastgood:"+state.SenderID); ok {
			return string(val), models.CategoryFallback
		}
	}
	return apologyReply, models.CategoryFallback
}

func (o *Orchestrator) rememberLastGood(ctx context.Context, senderID, reply string) {
	if o.cache == nil || reply == "" {
		return
	}
	o.cache.Set(ctx, "lastgood:"+senderID, []byte(reply), cache.CategoryEphemeral)
}

// deliverFallback sends a stage-produced or precomputed reply through
// postprocessing, bypassing the state machine.
func (o *Orchestrator) deliverFallback(ctx context.Context, state *models.ConversationState, reply string, category models.ResponseCategory) (*models.OutboundMessage, error) {
	out, err := o.post.Run(ctx, state, reply, category)
	if err != nil {
		return out, fmt.Errorf("fallback delivery failed: %w", err)
	}
	return out, nil
}

// loadState retrieves the sender's conversation from the session cache or
// persistence, creating it on first contact.
func (o *Orchestrator) loadState(ctx context.Context, senderID string) *models.ConversationState {
	if o.cache != nil {
		if data, ok := o.cache.Get(ctx, sessionKey(senderID)); ok {
			var state models.ConversationState
			if err := json.Unmarshal(data, &state); err == nil && state.SenderID == senderID {
				return &state
			}
		}
	}

	state, err := o.store.GetConversation(senderID)
	if err != nil {
		slog.Error("Conversation load failed, checking degraded in-memory state",
			"senderID", models.RedactPhone(senderID), "error", err)
	}
	if state == nil {
		// Turns checkpointed during a persistence outage live here.
		state, _ = o.fallback.GetConversation(senderID)
	}
	if state != nil {
		return state
	}
	return models.NewConversationState(senderID, o.now())
}

// checkpoint persists the conversation after a turn. Persistence failures
// retry with backoff, then degrade to the in-memory store with an
// operational alert; the user-facing response is never failed over this.
func (o *Orchestrator) checkpoint(ctx context.Context, state *models.ConversationState) {
	if o.cache != nil {
		if data, err := json.Marshal(state); err == nil {
			o.cache.Set(ctx, sessionKey(state.SenderID), data, cache.CategorySession)
		}
	}

	var err error
	for attempt := 0; attempt <= persistenceRetryAttempts; attempt++ {
		if attempt > 0 {
			if serr := o.sleep(ctx, o.cfg.RetryBase*time.Duration(1<<(attempt-1))); serr != nil {
				break
			}
		}
		if err = o.store.SaveConversation(*state); err == nil {
			return
		}
	}

	// Operational alert: state survives in memory only until persistence
	// recovers.
	slog.Error("ALERT: conversation checkpoint failed, continuing with in-memory state",
		"senderID", models.RedactPhone(state.SenderID), "error", err)
	if serr := o.fallback.SaveConversation(*state); serr != nil {
		slog.Error("In-memory checkpoint failed", "senderID", models.RedactPhone(state.SenderID), "error", serr)
	}
}

// recordInbound records the message id for idempotency, degrading to the
// in-memory store when persistence is unavailable.
func (o *Orchestrator) recordInbound(msg models.InboundMessage) (bool, error) {
	fresh, err := o.store.RecordInbound(msg.MessageID, msg.SenderID)
	if err != nil {
		return o.fallback.RecordInbound(msg.MessageID, msg.SenderID)
	}
	return fresh, nil
}

// markProcessed closes the idempotency record in whichever store holds it.
// Until this runs the record stays open and a retry of the message is
// processed again rather than dropped.
func (o *Orchestrator) markProcessed(messageID string) {
	if err := o.store.MarkProcessed(messageID); err != nil {
		slog.Warn("Failed to mark message processed", "messageID", messageID, "error", err)
	}
	_ = o.fallback.MarkProcessed(messageID)
}

func (o *Orchestrator) trail(state *models.ConversationState, stage, outcome string, d time.Duration) {
	state.AppendDecision(stage, outcome, d, o.now())
}

// BreakerStatus reports a stage breaker's state for health reporting.
func (o *Orchestrator) BreakerStatus(stage string) (breaker.Status, bool) {
	br, ok := o.breakers[stage]
	if !ok {
		return "", false
	}
	return br.Status(), true
}

func sessionKey(senderID string) string {
	return "conv:" + senderID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
