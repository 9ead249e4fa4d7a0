package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
)

// ConsumeRead serializes readers of one message through its shard lock and
// re-reads the message inside the critical section.
func (s *Store) ConsumeRead(ctx context.Context, messageID uuid.UUID, ev *db.ReadEvent) (*db.Message, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	release, err := s.messageLocks.acquire(lockCtx, messageID)
	if err != nil {
		s.logger.Warn("message lock wait timed out",
			zap.String("message_id", messageID.String()),
			zap.Duration("lock_timeout", s.lockTimeout),
		)
		return nil, err
	}
	defer release()

	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if state := msg.State(ev.ReadAt); state != db.StateReadable {
		return nil, &db.UnreadableError{Reason: string(state)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.messages[messageID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if stored.MaxReadCount != nil && stored.ReadCount+1 > *stored.MaxReadCount {
		return nil, &db.UnreadableError{Reason: string(db.StateExhausted)}
	}
	stored.ReadCount++

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.MessageID = messageID
	evCopy := *ev
	s.events[messageID] = append(s.events[messageID], &evCopy)

	cp := *stored
	return &cp, nil
}

// SetReaction overwrites the reaction on the viewer's latest read.
func (s *Store) SetReaction(ctx context.Context, messageID uuid.UUID, viewerHash string, reaction *string) (*db.ReadEvent, error) {
	if reaction != nil && !db.ValidReaction(*reaction) {
		return nil, db.ErrInvalidReaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *db.ReadEvent
	for _, ev := range s.events[messageID] {
		if ev.ViewerTokenHash != viewerHash {
			continue
		}
		if latest == nil || !ev.ReadAt.Before(latest.ReadAt) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, db.ErrNotFound
	}

	if reaction == nil {
		latest.Reaction = nil
	} else {
		r := *reaction
		latest.Reaction = &r
	}
	cp := *latest
	return &cp, nil
}

type viewerAgg struct {
	hash   string
	first  time.Time
	count  int
	recent []db.ReadEvent // newest first, capped
}

// GroupedReads keeps only EventsPerViewer events per viewer while scanning,
// mirroring the windowed query.
func (s *Store) GroupedReads(ctx context.Context, messageID uuid.UUID, q db.GroupedReadsQuery) (*db.GroupedReads, error) {
	s.mu.RLock()
	byViewer := make(map[string]*viewerAgg)
	for _, ev := range s.events[messageID] {
		if q.Since != nil && ev.ReadAt.Before(*q.Since) {
			continue
		}
		agg, ok := byViewer[ev.ViewerTokenHash]
		if !ok {
			agg = &viewerAgg{hash: ev.ViewerTokenHash, first: ev.ReadAt}
			byViewer[ev.ViewerTokenHash] = agg
		}
		agg.count++
		if ev.ReadAt.Before(agg.first) {
			agg.first = ev.ReadAt
		}
		agg.keep(*ev)
	}
	s.mu.RUnlock()

	viewers := make([]*viewerAgg, 0, len(byViewer))
	for _, agg := range byViewer {
		viewers = append(viewers, agg)
	}
	sort.Slice(viewers, func(i, j int) bool {
		if !viewers[i].first.Equal(viewers[j].first) {
			return viewers[i].first.After(viewers[j].first)
		}
		return viewers[i].hash < viewers[j].hash
	})

	total := len(viewers)
	if q.Limit > 0 && len(viewers) > q.Limit {
		viewers = viewers[:q.Limit]
	}

	var rows []db.RankedRead
	for _, agg := range viewers {
		for i := len(agg.recent) - 1; i >= 0; i-- {
			rows = append(rows, db.RankedRead{
				Event:        agg.recent[i],
				FirstReadAt:  agg.first,
				ViewCount:    agg.count,
				TotalViewers: total,
			})
		}
	}
	return db.GroupRankedReads(rows, q.Limit), nil
}

// keep inserts ev into the newest-first window, dropping the oldest.
func (a *viewerAgg) keep(ev db.ReadEvent) {
	i := sort.Search(len(a.recent), func(i int) bool { return a.recent[i].ReadAt.Before(ev.ReadAt) })
	if i >= db.EventsPerViewer {
		return
	}
	a.recent = append(a.recent, db.ReadEvent{})
	copy(a.recent[i+1:], a.recent[i:])
	a.recent[i] = ev
	if len(a.recent) > db.EventsPerViewer {
		a.recent = a.recent[:db.EventsPerViewer]
	}
}

func (s *Store) ReactionsSummary(ctx context.Context, messageID uuid.UUID) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := make(map[string]int)
	for _, ev := range s.events[messageID] {
		if ev.Reaction != nil && db.ValidReaction(*ev.Reaction) {
			summary[*ev.Reaction]++
		}
	}
	return summary, nil
}

// DashboardStats folds the owner's messages and events in a single pass each.
func (s *Store) DashboardStats(ctx context.Context, userID uuid.UUID, opts db.StatsOptions) (*db.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &db.DashboardStats{}
	counts := make(map[time.Time]int)
	var hoursSum float64
	var hoursN int

	for id, m := range s.messages {
		if m.UserID != userID {
			continue
		}
		stats.TotalMessages++
		stats.TotalOpens += m.ReadCount
		if m.ReadCount > 0 {
			stats.OpenedMessages++
		}

		var first *time.Time
		for _, ev := range s.events[id] {
			if !ev.ReadAt.Before(opts.WeekStart) {
				counts[db.TruncateDay(ev.ReadAt)]++
			}
			if first == nil || ev.ReadAt.Before(*first) {
				t := ev.ReadAt
				first = &t
			}
		}
		if first != nil && !m.CreatedAt.Before(opts.WindowStart) {
			hoursSum += first.Sub(m.CreatedAt).Hours()
			hoursN++
		}
	}

	stats.OpenRate = db.OpenRate(stats.OpenedMessages, stats.TotalMessages)
	days := int(db.TruncateDay(opts.DayStart).Sub(db.TruncateDay(opts.WeekStart)).Hours()/24) + 1
	stats.OpensByDay = db.FillDays(opts.WeekStart, days, counts)
	stats.OpensToday = counts[db.TruncateDay(opts.DayStart)]
	if hoursN > 0 {
		avg := hoursSum / float64(hoursN)
		stats.AvgHoursToFirstOpen = &avg
	}
	return stats, nil
}
