package db

import (
	"time"
)

// EventsPerViewer bounds how many of a viewer's most recent reads are kept
// in a grouped view.
const EventsPerViewer = 3

// RankedRead is one row of the windowed ledger query: an event plus the
// aggregates of the viewer it belongs to.
type RankedRead struct {
	Event        ReadEvent
	FirstReadAt  time.Time
	ViewCount    int
	TotalViewers int
}

// ViewerReads groups a viewer's most recent events, oldest first.
type ViewerReads struct {
	ViewerTokenHash string      `json:"viewer_token_hash"`
	FirstReadAt     time.Time   `json:"first_read_at"`
	ViewCount       int         `json:"view_count"`
	Events          []ReadEvent `json:"events"`
}

// GroupedReads is the per-viewer view of a message's ledger.
type GroupedReads struct {
	Viewers      []ViewerReads `json:"viewers"`
	TotalViewers int           `json:"total_viewers"`
	HasMore      bool          `json:"has_more"`
}

// GroupedReadsQuery selects which part of a ledger to group.
// Limit <= 0 means every viewer. Since filters out older events.
type GroupedReadsQuery struct {
	Limit int
	Since *time.Time
}

// GroupRankedReads folds rows ordered by (first_read_at DESC, viewer,
// read_at ASC) into viewer groups. Rows for the same viewer must be adjacent.
func GroupRankedReads(rows []RankedRead, limit int) *GroupedReads {
	out := &GroupedReads{Viewers: []ViewerReads{}}
	if len(rows) == 0 {
		return out
	}
	out.TotalViewers = rows[0].TotalViewers

	for _, row := range rows {
		n := len(out.Viewers)
		if n == 0 || out.Viewers[n-1].ViewerTokenHash != row.Event.ViewerTokenHash {
			if limit > 0 && n == limit {
				break
			}
			out.Viewers = append(out.Viewers, ViewerReads{
				ViewerTokenHash: row.Event.ViewerTokenHash,
				FirstReadAt:     row.FirstReadAt,
				ViewCount:       row.ViewCount,
			})
			n++
		}
		group := &out.Viewers[n-1]
		if len(group.Events) < EventsPerViewer {
			group.Events = append(group.Events, row.Event)
		}
	}

	out.HasMore = limit > 0 && out.TotalViewers > limit
	return out
}

// FillDays returns one entry per day starting at start, zero for missing days.
func FillDays(start time.Time, days int, counts map[time.Time]int) []DailyOpens {
	start = truncateDay(start)
	series := make([]DailyOpens, 0, days)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i)
		series = append(series, DailyOpens{Day: day, Count: counts[day]})
	}
	return series
}

// OpenRate is the whole-number percentage of opened messages.
func OpenRate(opened, total int) int {
	if total == 0 {
		return 0
	}
	return (opened*100 + total/2) / total
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// TruncateDay exposes the UTC day bucketing used for opens-per-day.
func TruncateDay(t time.Time) time.Time {
	return truncateDay(t)
}
