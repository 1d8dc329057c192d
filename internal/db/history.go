package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/events"
	"github.com/energizer-project/relay/internal/protocol"
	"github.com/energizer-project/relay/internal/util"
)

// Session is one finished room run.
type Session struct {
	ID            int64           `json:"id"`
	RoomID        protocol.RoomID `json:"room_id"`
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Capacity      uint8           `json:"capacity"`
	CreatedAt     time.Time       `json:"created_at"`
	StoppedAt     time.Time       `json:"stopped_at"`
	StopReason    string          `json:"stop_reason"`
	PeakOccupancy int             `json:"peak_occupancy"`
	TotalJoins    int             `json:"total_joins"`
}

// Duration is how long the room ran.
func (s Session) Duration() time.Duration {
	return s.StoppedAt.Sub(s.CreatedAt)
}

// Totals aggregates every stored session.
type Totals struct {
	Sessions int `json:"sessions"`
	Joins    int `json:"joins"`
	MaxPeak  int `json:"max_peak"`
}

// History records room sessions as rooms stop.
type History struct {
	db     *Database
	logger zerolog.Logger
}

// NewHistory wraps an open database.
func NewHistory(d *Database) *History {
	return &History{db: d, logger: util.ComponentLogger("history")}
}

// Subscribe records every room_stopped event published on bus.
func (h *History) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventRoomStopped, "history", func(ctx context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.RoomStoppedPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		_, err := h.Record(ctx, p)
		return err
	})
}

// Record stores a stopped room and returns the new row ID.
func (h *History) Record(ctx context.Context, p events.RoomStoppedPayload) (int64, error) {
	res, err := h.db.Exec(ctx, `
		INSERT INTO room_sessions
			(room_id, name, version, capacity, created_at, stopped_at, stop_reason, peak_occupancy, total_joins)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uint32(p.Room.ID), p.Room.Name, p.Room.Version, int(p.Room.Capacity),
		p.CreatedAt.UnixMilli(), p.StoppedAt.UnixMilli(), p.Reason.String(),
		p.PeakOccupancy, p.TotalJoins,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record session for room %d: %w", p.Room.ID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	h.logger.Debug().Int64("session", id).Uint32("room", uint32(p.Room.ID)).Msg("session recorded")
	return id, nil
}

// Recent returns the newest sessions first.
func (h *History) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.Query(ctx, `
		SELECT id, room_id, name, version, capacity, created_at, stopped_at, stop_reason, peak_occupancy, total_joins
		FROM room_sessions
		ORDER BY stopped_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(rows *sql.Rows) (Session, error) {
	var (
		s                Session
		roomID           uint32
		capacity         int
		created, stopped int64
	)
	if err := rows.Scan(&s.ID, &roomID, &s.Name, &s.Version, &capacity,
		&created, &stopped, &s.StopReason, &s.PeakOccupancy, &s.TotalJoins); err != nil {
		return Session{}, fmt.Errorf("failed to scan session: %w", err)
	}
	s.RoomID = protocol.RoomID(roomID)
	s.Capacity = uint8(capacity)
	s.CreatedAt = time.UnixMilli(created)
	s.StoppedAt = time.UnixMilli(stopped)
	return s, nil
}

// Totals sums joins and finds the busiest session.
func (h *History) Totals(ctx context.Context) (Totals, error) {
	rows, err := h.db.Query(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_joins), 0), COALESCE(MAX(peak_occupancy), 0)
		FROM room_sessions`)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	var t Totals
	if rows.Next() {
		if err := rows.Scan(&t.Sessions, &t.Joins, &t.MaxPeak); err != nil {
			return Totals{}, fmt.Errorf("failed to scan totals: %w", err)
		}
	}
	return t, rows.Err()
}

// Prune deletes sessions that stopped before now minus retention.
func (h *History) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := h.db.Exec(ctx, "DELETE FROM room_sessions WHERE stopped_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		h.logger.Info().Int64("removed", n).Dur("retention", retention).Msg("session history pruned")
	}
	return n, nil
}
