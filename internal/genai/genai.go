// Package genai provides the multi-provider generation layer with failover
// and cost control.
//
// Providers are held in an explicit configured order behind one interface.
// Each provider has its own circuit breaker and per-call cost; a shared
// daily cost counter gates paid calls regardless of breaker state.
package genai

import (
	"context"

	"github.com/EduPipe/LeadPipe/internal/models"
)

// Request carries the prompt material for one generation call.
type Request struct {
	System  string
	User    string
	History []models.ConversationMessage
}

// Provider is one configured generation backend.
type Provider interface {
	// Name returns the provider identifier used for breakers and cost accounting.
	Name() string
	// Generate produces free-text content for the request.
	Generate(ctx context.Context, req Request) (string, error)
	// Healthcheck reports whether the provider currently answers.
	Healthcheck(ctx context.Context) bool
}

// Client is the generation interface the conversation state machine
// consumes. FailoverClient is the production implementation.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Healthcheck(ctx context.Context, provider string) bool
}
