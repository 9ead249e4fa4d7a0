package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DashboardStats computes the owner's rollups with aggregate queries only.
func (r *Repository) DashboardStats(ctx context.Context, userID uuid.UUID, opts StatsOptions) (*DashboardStats, error) {
	stats := &DashboardStats{}
	pool := r.db.Pool()

	var total, opened, opens int64
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE read_count > 0),
		       COALESCE(SUM(read_count), 0)
		FROM messages
		WHERE user_id = $1`,
		userID,
	).Scan(&total, &opened, &opens)
	if err != nil {
		return nil, fmt.Errorf("query message totals: %w", err)
	}
	stats.TotalMessages = int(total)
	stats.OpenedMessages = int(opened)
	stats.TotalOpens = int(opens)
	stats.OpenRate = OpenRate(stats.OpenedMessages, stats.TotalMessages)

	rows, err := pool.Query(ctx, `
		SELECT date_trunc('day', re.read_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		FROM read_events re
		JOIN messages m ON m.id = re.message_id
		WHERE m.user_id = $1 AND re.read_at >= $2
		GROUP BY day`,
		userID, opts.WeekStart,
	)
	if err != nil {
		return nil, fmt.Errorf("query opens by day: %w", err)
	}
	defer rows.Close()

	counts := make(map[time.Time]int)
	for rows.Next() {
		var day time.Time
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan opens by day: %w", err)
		}
		counts[TruncateDay(day)] = int(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opens by day: %w", err)
	}

	days := int(TruncateDay(opts.DayStart).Sub(TruncateDay(opts.WeekStart)).Hours()/24) + 1
	stats.OpensByDay = FillDays(opts.WeekStart, days, counts)
	stats.OpensToday = counts[TruncateDay(opts.DayStart)]

	var avg *float64
	err = pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (f.first_read_at - m.created_at)) / 3600.0)::float8
		FROM messages m
		JOIN LATERAL (
			SELECT MIN(read_at) AS first_read_at
			FROM read_events
			WHERE message_id = m.id
		) f ON f.first_read_at IS NOT NULL
		WHERE m.user_id = $1 AND m.created_at >= $2`,
		userID, opts.WindowStart,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("query time to first open: %w", err)
	}
	stats.AvgHoursToFirstOpen = avg

	return stats, nil
}
