package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const readEventColumns = `id, message_id, viewer_token_hash, read_at, user_agent, reaction`

func scanReadEvent(row rowScanner) (*ReadEvent, error) {
	var ev ReadEvent
	if err := row.Scan(
		&ev.ID,
		&ev.MessageID,
		&ev.ViewerTokenHash,
		&ev.ReadAt,
		&ev.UserAgent,
		&ev.Reaction,
	); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ConsumeRead performs the locked check-increment-record sequence for one
// read of messageID. ev.ReadAt is the evaluation time; ev.ID and
// ev.MessageID are filled in. The returned message reflects the new count.
//
// Lock waits longer than the repository lock timeout surface as
// ErrLockTimeout. A refused read is an *UnreadableError.
func (r *Repository) ConsumeRead(ctx context.Context, messageID uuid.UUID, ev *ReadEvent) (*Message, error) {
	var consumed *Message

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}

		msg, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, messageID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock message: %w", err)
		}

		// Fresh state under the lock decides; any earlier read was advisory.
		if state := msg.State(ev.ReadAt); state != StateReadable {
			return &UnreadableError{Reason: string(state)}
		}

		err = tx.QueryRow(ctx, `
			UPDATE messages
			SET read_count = read_count + 1
			WHERE id = $1 AND (max_read_count IS NULL OR read_count < max_read_count)
			RETURNING read_count`,
			messageID,
		).Scan(&msg.ReadCount)
		if errors.Is(err, pgx.ErrNoRows) || isConstraintViolation(err) {
			return &UnreadableError{Reason: string(StateExhausted)}
		}
		if err != nil {
			return fmt.Errorf("increment read count: %w", err)
		}

		if ev.ID == uuid.Nil {
			ev.ID = uuid.New()
		}
		ev.MessageID = messageID
		_, err = tx.Exec(ctx, `
			INSERT INTO read_events (id, message_id, viewer_token_hash, read_at, user_agent)
			VALUES ($1, $2, $3, $4, $5)`,
			ev.ID, ev.MessageID, ev.ViewerTokenHash, ev.ReadAt, ev.UserAgent,
		)
		if isConstraintViolation(err) {
			return &UnreadableError{Reason: string(StateExhausted)}
		}
		if err != nil {
			return fmt.Errorf("insert read event: %w", err)
		}

		consumed = msg
		return nil
	})

	if err != nil {
		if isLockTimeout(err) {
			r.logger.Warn("message lock wait timed out",
				zap.String("message_id", messageID.String()),
				zap.Duration("lock_timeout", r.lockTimeout),
			)
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	return consumed, nil
}

// SetReaction overwrites the reaction on the viewer's most recent read of
// messageID. A nil reaction clears it.
func (r *Repository) SetReaction(ctx context.Context, messageID uuid.UUID, viewerHash string, reaction *string) (*ReadEvent, error) {
	if reaction != nil && !ValidReaction(*reaction) {
		return nil, ErrInvalidReaction
	}

	query := `
		UPDATE read_events SET reaction = $3
		WHERE id = (
			SELECT id FROM read_events
			WHERE message_id = $1 AND viewer_token_hash = $2
			ORDER BY read_at DESC
			LIMIT 1
		)
		RETURNING ` + readEventColumns

	ev, err := scanReadEvent(r.db.Pool().QueryRow(ctx, query, messageID, viewerHash, reaction))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if isConstraintViolation(err) {
		return nil, ErrInvalidReaction
	}
	if err != nil {
		return nil, fmt.Errorf("set reaction: %w", err)
	}
	return ev, nil
}

// GroupedReads returns the viewer-grouped ledger of a message. Viewers are
// paged and each viewer's events capped inside the query, so the result
// size is bounded by limit * EventsPerViewer regardless of history length.
func (r *Repository) GroupedReads(ctx context.Context, messageID uuid.UUID, q GroupedReadsQuery) (*GroupedReads, error) {
	query := `
		WITH viewers AS (
			SELECT viewer_token_hash,
			       MIN(read_at) AS first_read_at,
			       COUNT(*) AS view_count
			FROM read_events
			WHERE message_id = $1 AND ($2::timestamptz IS NULL OR read_at >= $2)
			GROUP BY viewer_token_hash
		), page AS (
			SELECT viewer_token_hash, first_read_at, view_count,
			       COUNT(*) OVER () AS total_viewers
			FROM viewers
			ORDER BY first_read_at DESC, viewer_token_hash
			LIMIT $3
		)
		SELECT e.id, e.message_id, e.viewer_token_hash, e.read_at, e.user_agent, e.reaction,
		       p.first_read_at, p.view_count, p.total_viewers
		FROM page p
		CROSS JOIN LATERAL (
			SELECT ranked.*
			FROM (
				SELECT re.*, ROW_NUMBER() OVER (ORDER BY re.read_at DESC) AS rn
				FROM read_events re
				WHERE re.message_id = $1
				  AND re.viewer_token_hash = p.viewer_token_hash
				  AND ($2::timestamptz IS NULL OR re.read_at >= $2)
			) ranked
			WHERE ranked.rn <= $4
		) e
		ORDER BY p.first_read_at DESC, p.viewer_token_hash, e.read_at ASC
	`

	var limit *int
	if q.Limit > 0 {
		l := q.Limit
		limit = &l
	}

	rows, err := r.db.Pool().Query(ctx, query, messageID, q.Since, limit, EventsPerViewer)
	if err != nil {
		return nil, fmt.Errorf("query grouped reads: %w", err)
	}
	defer rows.Close()

	var ranked []RankedRead
	for rows.Next() {
		var rr RankedRead
		var viewCount, totalViewers int64
		if err := rows.Scan(
			&rr.Event.ID,
			&rr.Event.MessageID,
			&rr.Event.ViewerTokenHash,
			&rr.Event.ReadAt,
			&rr.Event.UserAgent,
			&rr.Event.Reaction,
			&rr.FirstReadAt,
			&viewCount,
			&totalViewers,
		); err != nil {
			return nil, fmt.Errorf("scan grouped read: %w", err)
		}
		rr.ViewCount = int(viewCount)
		rr.TotalViewers = int(totalViewers)
		ranked = append(ranked, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grouped reads: %w", err)
	}

	return GroupRankedReads(ranked, q.Limit), nil
}

// ReactionsSummary counts read events per allowed reaction.
func (r *Repository) ReactionsSummary(ctx context.Context, messageID uuid.UUID) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT reaction, COUNT(*)
		FROM read_events
		WHERE message_id = $1 AND reaction = ANY($2)
		GROUP BY reaction`,
		messageID, AllowedReactions,
	)
	if err != nil {
		return nil, fmt.Errorf("query reactions: %w", err)
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var reaction string
		var count int64
		if err := rows.Scan(&reaction, &count); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		summary[reaction] = int(count)
	}
	return summary, rows.Err()
}
