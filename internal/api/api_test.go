package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/flow"
	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/messaging"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/pipeline"
	"github.com/EduPipe/LeadPipe/internal/postprocess"
	"github.com/EduPipe/LeadPipe/internal/preprocess"
	"github.com/EduPipe/LeadPipe/internal/rules"
	"github.com/EduPipe/LeadPipe/internal/store"
	"github.com/EduPipe/LeadPipe/internal/testutil"
)

// testClock is a Tuesday 10:00 UTC, inside the configured windows.
var testClock = time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC)

type stubGen struct{}

func (stubGen) Generate(ctx context.Context, req genai.Request) (string, error) {
	return "Olá! Como posso ajudar?", nil
}

func (stubGen) Healthcheck(ctx context.Context, provider string) bool { return true }

type stubMessaging struct {
	inbound chan models.InboundMessage
}

func newStubMessaging() *stubMessaging {
	return &stubMessaging{inbound: make(chan models.InboundMessage, messaging.DefaultChannelBufferSize)}
}

func (s *stubMessaging) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return messaging.CanonicalizePhone(recipient)
}

func (s *stubMessaging) SendMessage(ctx context.Context, to, body string) error { return nil }
func (s *stubMessaging) Start(ctx context.Context) error                        { return nil }
func (s *stubMessaging) Stop() error                                            { return nil }
func (s *stubMessaging) Receipts() <-chan models.Receipt                        { return nil }
func (s *stubMessaging) Inbound() <-chan models.InboundMessage                  { return s.inbound }

func newTestServer(t *testing.T, acceptedTokens []string) (*Server, *store.InMemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AcceptedTokens = acceptedTokens
	cfg.Hours = config.HoursConfig{
		Timezone: "UTC",
		Windows: []config.DayWindow{
			{Weekday: "Monday", Open: "09:00", Close: "18:00"},
			{Weekday: "Tuesday", Open: "09:00", Close: "18:00"},
			{Weekday: "Wednesday", Open: "09:00", Close: "18:00"},
			{Weekday: "Thursday", Open: "09:00", Close: "18:00"},
			{Weekday: "Friday", Open: "09:00", Close: "18:00"},
		},
	}
	cfg.Delivery = config.DeliveryConfig{MaxAttempts: 1, RetryBase: time.Millisecond}
	cfg.Pipeline.RetryBase = time.Millisecond

	hours, err := rules.NewHours(cfg.Hours)
	if err != nil {
		t.Fatalf("NewHours failed: %v", err)
	}

	handoffCfg := config.HandoffConfig{Threshold: 0.7, MaxValidationFails: 3, ContactMessage: "Ligue (11) 4002-8922."}
	machine := flow.NewMachine(
		rules.NewPricingValidator(cfg.Pricing),
		rules.NewSchedulingValidator(hours),
		rules.NewQualificationTracker(),
		rules.NewHandoffEvaluator(handoffCfg),
		hours, stubGen{}, nil, handoffCfg,
		flow.WithClock(func() time.Time { return testClock }))

	svc := newStubMessaging()
	st := store.NewInMemoryStore()
	pre := preprocess.NewStage(cfg.Auth, cfg.RateLimit, hours,
		preprocess.WithClock(func() time.Time { return testClock }))
	deliverer := postprocess.NewDeliverer(svc, st, cfg.Delivery)
	post := postprocess.NewStage(nil, cfg.Breakers.Postprocess, deliverer)
	orch := pipeline.New(cfg.Pipeline, cfg.Breakers, pre, machine, post, st, nil,
		pipeline.WithClock(func() time.Time { return testClock }))

	return NewServer(orch, svc, WithAddr(":0")), st
}

func postWebhook(t *testing.T, srv *Server, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/messages", strings.NewReader(body))
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.messageHandler(rec, req)
	return rec
}

func TestMessageHandlerProcessesInbound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := postWebhook(t, srv, `{"sender_id":"+5511999990001","text":"oi, bom dia","message_id":"m1"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "webhook delivery")

	response := testutil.AssertJSONResponse(t, rec, "ok")
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("response missing result: %v", response)
	}
	if text, _ := result["text"].(string); text == "" {
		t.Errorf("empty reply text: %v", result)
	}
}

func TestMessageHandlerRejectsWrongMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := testutil.CreateHTTPRequest(t, http.MethodGet, "/webhook/messages", nil)
	rec := httptest.NewRecorder()
	srv.messageHandler(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rec.Code, "wrong method")
}

func TestMessageHandlerRejectsBadJSON(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := postWebhook(t, srv, `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMessageHandlerRejectsMissingSender(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := postWebhook(t, srv, `{"text":"oi"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMessageHandlerRejectsBadCredential(t *testing.T) {
	srv, _ := newTestServer(t, []string{"s3cret"})

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	rec := postWebhook(t, srv, `{"sender_id":"+5511999990001","text":"oi"}`, header)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	header.Set("Authorization", "Bearer s3cret")
	rec = postWebhook(t, srv, `{"sender_id":"+5511999990001","text":"oi"}`, header)
	if rec.Code != http.StatusOK {
		t.Errorf("valid credential rejected: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestMessageHandlerAcknowledgesDuplicate(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := `{"sender_id":"+5511999990001","text":"oi","message_id":"dup-1"}`
	if rec := postWebhook(t, srv, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first delivery failed: %d", rec.Code)
	}
	rec := postWebhook(t, srv, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate delivery status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Duplicate") {
		t.Errorf("duplicate not acknowledged: %s", rec.Body.String())
	}
}

func TestHealthHandlerReportsBreakers(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.healthHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid health JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("health status = %q", body.Status)
	}
	for _, stage := range []string{"preprocess", "state_machine", "postprocess"} {
		if body.Breakers[stage] != "closed" {
			t.Errorf("breaker %s = %q, want closed", stage, body.Breakers[stage])
		}
	}
}

func TestDrainInboundFeedsPipeline(t *testing.T) {
	srv, st := newTestServer(t, nil)
	svc := srv.msgService.(*stubMessaging)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.drainInbound(ctx)
		close(done)
	}()

	svc.inbound <- models.InboundMessage{
		MessageID: "evt-1",
		SenderID:  "+5511999990001",
		Text:      "oi",
		Timestamp: testClock,
	}

	deadline := time.After(2 * time.Second)
	for {
		if dup, _ := st.IsDuplicate("evt-1"); dup {
			break
		}
		select {
		case <-deadline:
			t.Fatal("inbound message never reached the pipeline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
