package scheduler

import (
	"testing"
	"time"

	"github.com/EduPipe/LeadPipe/internal/config"
	"github.com/EduPipe/LeadPipe/internal/genai"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
}

func TestScheduleBudgetResetValidatesExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	tracker := genai.NewCostTracker(25.0)
	if err := s.ScheduleBudgetReset("0 0 * * *", tracker); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := s.ScheduleBudgetReset("bad", tracker); err == nil {
		t.Error("Expected error for invalid reset schedule")
	}
}

func TestScheduleSessionSweepArchivesIdleConversations(t *testing.T) {
	now := time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC)
	s := NewScheduler(WithClock(func() time.Time { return now }))
	defer s.Stop()

	st := store.NewInMemoryStore()
	stale := models.NewConversationState("+5511999990001", now.Add(-2*time.Hour))
	if err := st.SaveConversation(*stale); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	fresh := models.NewConversationState("+5511999990002", now.Add(-time.Minute))
	if err := st.SaveConversation(*fresh); err != nil {
		t.Fatalf("save fresh: %v", err)
	}

	cfg := config.SessionConfig{InactivityWindow: 30 * time.Minute, SweepCron: "*/10 * * * *"}
	if err := s.ScheduleSessionSweep(cfg, st); err != nil {
		t.Fatalf("ScheduleSessionSweep failed: %v", err)
	}

	// Exercise the sweep cutoff directly instead of waiting on cron.
	cutoff := now.Add(-cfg.InactivityWindow)
	n, err := st.ArchiveInactiveConversations(cutoff)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("archived %d conversations, want 1", n)
	}
	if state, _ := st.GetConversation("+5511999990002"); state == nil {
		t.Error("fresh conversation was archived")
	}
}
