// Package preprocess implements the first pipeline stage: credential check,
// input sanitization, per-sender rate limiting and the business-hours gate.
//
// Operations run in that order and short-circuit on the first failure. Auth
// failures abort the pipeline outright; rate-limit and out-of-hours results
// carry a templated reply the orchestrator returns without invoking the
// state machine.
package preprocess

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/rules"
)

// Result is the preprocessing output consumed by the orchestrator.
type Result struct {
	// Text is the sanitized inbound text, safe for downstream stages.
	Text string
	// Reply is set when preprocessing produced the turn's response itself
	// (rate limited or out of hours); the state machine stage is skipped.
	Reply string
	// Category selects the outbound template when Reply is set.
	Category models.ResponseCategory
	// SkipStateMachine tells the orchestrator not to run the conversation
	// turn for this message.
	SkipStateMachine bool
}

// Stage runs auth, sanitization, rate limiting and the business-hours gate.
type Stage struct {
	auth    *Authenticator
	limiter *Limiter
	hours   *rules.Hours
	now     func() time.Time
}

// Opts holds configuration options for the preprocessing stage.
type Opts struct {
	Now func() time.Time
}

// Option defines a configuration option for the preprocessing stage.
type Option func(*Opts)

// WithClock overrides the stage's time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// NewStage creates the preprocessing stage.
func NewStage(authCfg config.AuthConfig, rateCfg config.RateLimitConfig, hours *rules.Hours, opts ...Option) *Stage {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Stage{
		auth:    NewAuthenticator(authCfg),
		limiter: NewLimiter(rateCfg, cfg.Now),
		hours:   hours,
		now:     cfg.Now,
	}
}

// Run executes the preprocessing operations in order, short-circuiting on
// the first failure.
func (s *Stage) Run(msg models.InboundMessage) (*Result, error) {
	slog.Debug("Preprocess.Run invoked", "senderID", models.RedactPhone(msg.SenderID), "messageID", msg.MessageID)

	if msg.SenderID == "" {
		return nil, models.ErrEmptySender
	}

	if err := s.auth.Check(msg.AuthHeader); err != nil {
		// Credential values never reach the logs.
		slog.Warn("Inbound auth check failed", "senderID", models.RedactPhone(msg.SenderID),
			"credential", models.RedactCredential(msg.AuthHeader))
		return nil, fmt.Errorf("inbound auth rejected: %w", err)
	}

	text := Sanitize(msg.Text)

	if !s.limiter.Allow(msg.SenderID) {
		slog.Info("Sender rate limited", "senderID", models.RedactPhone(msg.SenderID))
		return &Result{
			Text:             text,
			Reply:            rateLimitedReply,
			Category:         models.CategoryRateLimited,
			SkipStateMachine: true,
		}, models.ErrRateLimited
	}

	if now := s.now(); !s.hours.Within(now) {
		slog.Info("Message outside business hours", "senderID", models.RedactPhone(msg.SenderID))
		return &Result{
			Text:             text,
			Reply:            s.outOfHoursReply(now),
			Category:         models.CategoryOutOfHours,
			SkipStateMachine: true,
		}, nil
	}

	return &Result{Text: text}, nil
}

const rateLimitedReply = "Recebemos várias mensagens suas em sequência. " +
	"Aguarde um instante que já respondemos tudo, combinado?"

func (s *Stage) outOfHoursReply(now time.Time) string {
	reply := "Nosso atendimento está fechado no momento."
	if next, ok := s.hours.NextOpening(now); ok {
		reply += fmt.Sprintf(" Voltamos %s. Pode deixar sua mensagem que respondemos assim que abrirmos!",
			next.Format("Mon 02/01 às 15:04"))
	}
	return reply
}
