// Package api provides the HTTP surface for LeadPipe.
//
// It exposes the inbound message webhook, the Twilio-specific webhook, a
// health endpoint with circuit breaker states, and Prometheus metrics. The
// server also drains the messaging service's inbound channel so events from
// connected clients (e.g. the WhatsApp socket) flow through the same
// pipeline as webhook deliveries.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EduPipe/LeadPipe/internal/messaging"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/pipeline"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

const shutdownTimeout = 10 * time.Second

// Server hosts the webhook endpoints and the inbound channel drain.
type Server struct {
	addr       string
	orch       *pipeline.Orchestrator
	msgService messaging.Service
	httpServer *http.Server
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// NewServer creates the API server.
func NewServer(orch *pipeline.Orchestrator, msgService messaging.Service, opts ...Option) *Server {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	return &Server{addr: o.Addr, orch: orch, msgService: msgService}
}

// Run starts the HTTP listener and the inbound drain, blocking until the
// context is cancelled, then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/messages", s.messageHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if twilio, ok := s.msgService.(*messaging.TwilioService); ok {
		mux.HandleFunc("/webhook/twilio", twilio.WebhookHandler)
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.drainInbound(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("API server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// drainInbound feeds messages surfaced by the messaging client (socket
// events, webhook emissions) into the pipeline until the context ends.
func (s *Server) drainInbound(ctx context.Context) {
	inbound := s.msgService.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			if _, err := s.orch.Process(ctx, msg); err != nil {
				slog.Error("Inbound message processing failed",
					"senderID", models.RedactPhone(msg.SenderID), "error", err)
			}
		}
	}
}
