package tasksource

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/state"
)

// Static is the built-in catalog of last resort: five Day tasks and
// five Night tasks, so a fresh deployment always has work to hand out.
type Static struct{}

func NewStatic() *Static { return &Static{} }

func (Static) Fetch(context.Context) ([]state.TaskDefinitionRecord, error) {
	mk := func(id, platform, category, title string, payout int64, minutes int) state.TaskDefinitionRecord {
		return state.TaskDefinitionRecord{
			ID:              id,
			Platform:        platform,
			Category:        category,
			Title:           title,
			URL:             "https://tasks.donezo.example/" + id,
			Payout:          decimal.NewFromInt(payout),
			DurationMinutes: minutes,
			Active:          true,
		}
	}
	return []state.TaskDefinitionRecord{
		mk("day-001", state.PlatformYouTube, "Day", "Like and comment on a product review video", 65, 2),
		mk("day-002", state.PlatformTikTok, "Day", "Follow a creator and like their latest clip", 65, 2),
		mk("day-003", state.PlatformInstagram, "Day", "Save a sponsored post and follow the brand", 65, 2),
		mk("day-004", state.PlatformYouTube, "Day", "Subscribe to a channel and ring the bell", 65, 2),
		mk("day-005", state.PlatformTikTok, "Day", "Share a promoted video to your story", 65, 2),
		mk("night-001", state.PlatformYouTube, "Night", "Watch a full product launch livestream", 130, 30),
		mk("night-002", state.PlatformTikTok, "Night", "Keep a live shopping stream open to the end", 130, 30),
		mk("night-003", state.PlatformInstagram, "Night", "Watch a reel playlist without skipping", 130, 30),
		mk("night-004", state.PlatformYouTube, "Night", "Stream a sponsored premiere start to finish", 130, 30),
		mk("night-005", state.PlatformInstagram, "Night", "Follow a live Q&A session until it closes", 130, 30),
	}, nil
}
