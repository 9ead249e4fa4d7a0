package db

import (
	"fmt"
	"testing"
	"time"
)

// rankedFixture builds rows the way the ledger query returns them: viewers
// ordered by first read descending, each viewer's newest events ascending.
func rankedFixture(viewers, eventsPerViewer int, base time.Time) []RankedRead {
	var rows []RankedRead
	for v := viewers - 1; v >= 0; v-- {
		hash := fmt.Sprintf("viewer-%d", v)
		first := base.Add(time.Duration(v) * time.Hour)
		kept := eventsPerViewer
		if kept > EventsPerViewer {
			kept = EventsPerViewer
		}
		for e := eventsPerViewer - kept; e < eventsPerViewer; e++ {
			rows = append(rows, RankedRead{
				Event: ReadEvent{
					ViewerTokenHash: hash,
					ReadAt:          first.Add(time.Duration(e) * time.Minute),
				},
				FirstReadAt:  first,
				ViewCount:    eventsPerViewer,
				TotalViewers: viewers,
			})
		}
	}
	return rows
}

func TestGroupRankedReads(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		rows        []RankedRead
		limit       int
		wantViewers int
		wantTotal   int
		wantHasMore bool
	}{
		{
			name:        "empty ledger",
			rows:        nil,
			limit:       3,
			wantViewers: 0,
		},
		{
			name:        "limit truncates viewers",
			rows:        rankedFixture(5, 3, base),
			limit:       3,
			wantViewers: 3,
			wantTotal:   5,
			wantHasMore: true,
		},
		{
			name:        "limit equal to viewers",
			rows:        rankedFixture(3, 2, base),
			limit:       3,
			wantViewers: 3,
			wantTotal:   3,
		},
		{
			name:        "no limit",
			rows:        rankedFixture(4, 1, base),
			limit:       0,
			wantViewers: 4,
			wantTotal:   4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GroupRankedReads(tt.rows, tt.limit)

			if len(got.Viewers) != tt.wantViewers {
				t.Fatalf("expected %d viewer groups, got %d", tt.wantViewers, len(got.Viewers))
			}
			if got.TotalViewers != tt.wantTotal {
				t.Errorf("expected total viewers %d, got %d", tt.wantTotal, got.TotalViewers)
			}
			if got.HasMore != tt.wantHasMore {
				t.Errorf("expected has_more %v, got %v", tt.wantHasMore, got.HasMore)
			}
			for i, g := range got.Viewers {
				if len(g.Events) > EventsPerViewer {
					t.Errorf("group %d has %d events", i, len(g.Events))
				}
				if i > 0 && g.FirstReadAt.After(got.Viewers[i-1].FirstReadAt) {
					t.Errorf("group %d out of order", i)
				}
			}
		})
	}
}

func TestGroupRankedReads_CapsEventsPerViewer(t *testing.T) {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	rows := rankedFixture(1, 3, base)
	// A store that forgot to cap still yields a bounded group.
	rows = append(rows, rows[len(rows)-1])

	got := GroupRankedReads(rows, 10)
	if len(got.Viewers[0].Events) != EventsPerViewer {
		t.Errorf("expected %d events, got %d", EventsPerViewer, len(got.Viewers[0].Events))
	}
}

func TestFillDays(t *testing.T) {
	start := time.Date(2026, 3, 1, 15, 30, 0, 0, time.UTC)
	counts := map[time.Time]int{
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC): 4,
	}

	series := FillDays(start, 3, counts)
	if len(series) != 3 {
		t.Fatalf("expected 3 days, got %d", len(series))
	}
	want := []int{0, 4, 0}
	for i, d := range series {
		if d.Count != want[i] {
			t.Errorf("day %d: expected %d, got %d", i, want[i], d.Count)
		}
	}
	if !series[0].Day.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected series to start at midnight, got %s", series[0].Day)
	}
}

func TestOpenRate(t *testing.T) {
	tests := []struct {
		opened, total, want int
	}{
		{0, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{5, 5, 100},
	}
	for _, tt := range tests {
		if got := OpenRate(tt.opened, tt.total); got != tt.want {
			t.Errorf("OpenRate(%d, %d) = %d, want %d", tt.opened, tt.total, got, tt.want)
		}
	}
}
