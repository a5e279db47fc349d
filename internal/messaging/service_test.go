package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/twiliowhatsapp"
	"github.com/EduPipe/LeadPipe/internal/whatsapp"
)

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0001", "5511999990001", false},
		{"5511999990001", "5511999990001", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, c := range cases {
		got, err := CanonicalizePhone(c.in)
		if (err != nil) != c.wantErr {
			t.Errorf("CanonicalizePhone(%q) error = %v, wantErr %v", c.in, err, c.wantErr)
			continue
		}
		if got != c.want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWhatsAppServiceSendEmitsReceipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := svc.SendMessage(context.Background(), "+5511999990001", "olá"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case r := <-svc.Receipts():
		if r.Status != models.ReceiptSent {
			t.Errorf("receipt status = %s, want sent", r.Status)
		}
		if r.To != "5511999990001" {
			t.Errorf("receipt recipient = %q", r.To)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt emitted")
	}
}

func TestWhatsAppServiceRejectsBadRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendMessage(context.Background(), "not-a-number", "olá"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestTwilioServiceSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+55 11 99999-0001", "olá"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 {
		t.Fatalf("sent messages = %d, want 1", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "5511999990001" {
		t.Errorf("recipient not canonicalized: %q", mock.SentMessages[0].To)
	}
}

func TestTwilioServiceStoppedRejectsSend(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "+5511999990001", "olá"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioWebhookEmitsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+5511999990001")
	form.Set("Body", "Olá, quero informações")
	form.Set("MessageSid", "SM123")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case msg := <-svc.Inbound():
		if msg.MessageID != "SM123" {
			t.Errorf("messageID = %q", msg.MessageID)
		}
		if msg.Text != "Olá, quero informações" {
			t.Errorf("text = %q", msg.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message emitted")
	}
}

func TestTwilioWebhookRejectsMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("From=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.WebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
