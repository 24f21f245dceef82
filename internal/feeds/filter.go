package feeds

import (
	"time"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// DefaultWindow bounds daily_updates feeds to roughly one news cycle.
const DefaultWindow = 24 * time.Hour

// Filter applies a feed strategy to parsed items. daily_updates keeps items
// published inside the window ending at now; items without a date are kept,
// since staleness cannot be proven. full_archive and unknown strategies keep
// everything.
func Filter(items []FeedItem, strategy pipeline.FeedStrategy, window time.Duration, now time.Time) []FeedItem {
	if strategy != pipeline.StrategyDailyUpdates {
		return items
	}
	if window <= 0 {
		window = DefaultWindow
	}

	kept := make([]FeedItem, 0, len(items))
	for _, item := range items {
		if item.Published == nil || now.Sub(*item.Published) <= window {
			kept = append(kept, item)
		}
	}
	return kept
}
