// Package recovery restores working state after an application restart.
//
// Conversations survive restarts through their persisted checkpoints; what
// a restart loses is the session cache, which would otherwise force a
// database read on every active sender's next message. WarmSessions
// rebuilds the cache from the most recently active conversations so the
// first post-restart turns hit memory again.
package recovery

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/EduPipe/LeadPipe/internal/cache"
	"github.com/EduPipe/LeadPipe/internal/models"
	"github.com/EduPipe/LeadPipe/internal/store"
)

// DefaultWarmLimit bounds how many conversations are preloaded on startup.
const DefaultWarmLimit = 500

// WarmSessions loads recent unarchived conversations from persistence into
// the session cache. Failures are logged and skipped: warm-up is an
// optimization, never a startup blocker.
func WarmSessions(ctx context.Context, st store.Store, tiered *cache.Tiered, limit int) int {
	if tiered == nil {
		return 0
	}
	if limit <= 0 {
		limit = DefaultWarmLimit
	}

	states, err := st.ListActiveConversations(limit)
	if err != nil {
		slog.Error("Session warm-up skipped, listing conversations failed", "error", err)
		return 0
	}

	warmed := 0
	for i := range states {
		select {
		case <-ctx.Done():
			slog.Warn("Session warm-up interrupted", "warmed", warmed)
			return warmed
		default:
		}

		data, err := json.Marshal(&states[i])
		if err != nil {
			slog.Warn("Skipping unmarshalable conversation during warm-up",
				"senderID", models.RedactPhone(states[i].SenderID), "error", err)
			continue
		}
		tiered.Set(ctx, "conv:"+states[i].SenderID, data, cache.CategorySession)
		warmed++
	}

	if warmed > 0 {
		slog.Info("Session cache warmed from persisted conversations", "count", warmed)
	}
	return warmed
}
