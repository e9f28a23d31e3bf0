package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/voxel-relay/internal/journal"
)

// ErrSessionNotFound is returned when a session lookup yields no results.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is one row of the relay_sessions table.
type SessionRecord struct {
	SessionID      string
	InstanceID     string
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

// SessionLog records when relay sessions open and close. It is a journal sink and
// is never read by the relay itself.
type SessionLog struct {
	db *pgxpool.Pool
}

// NewSessionLog creates a SessionLog backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the relay_sessions
// schema applied.
func NewSessionLog(db *pgxpool.Pool) *SessionLog {
	return &SessionLog{db: db}
}

// Name identifies the sink in journal logs.
func (l *SessionLog) Name() string { return "postgres" }

// Write stores joined and left events. Other kinds are ignored.
func (l *SessionLog) Write(ctx context.Context, evt journal.Event) error {
	switch evt.Kind {
	case journal.KindJoined:
		return l.Opened(ctx, evt.SessionID, evt.Instance, evt.RemoteAddr, evt.At)
	case journal.KindLeft:
		err := l.Closed(ctx, evt.SessionID, evt.At)
		if errors.Is(err, ErrSessionNotFound) {
			// The joined row was dropped or failed; there is nothing to stamp.
			return nil
		}
		return err
	default:
		return nil
	}
}

// Opened inserts a row for a newly connected session.
//
// Precondition: sessionID must be non-empty.
// Postcondition: A row exists for sessionID with a NULL disconnected_at. A repeated
// call for the same session leaves the existing row unchanged.
func (l *SessionLog) Opened(ctx context.Context, sessionID, instanceID, remoteAddr string, at time.Time) error {
	_, err := l.db.Exec(ctx,
		`INSERT INTO relay_sessions (session_id, instance_id, remote_addr, connected_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, instanceID, remoteAddr, at,
	)
	if err != nil {
		return fmt.Errorf("recording session %s opened: %w", sessionID, err)
	}
	return nil
}

// Closed stamps disconnected_at on an open session.
//
// Postcondition: Returns ErrSessionNotFound when no open row exists for sessionID.
func (l *SessionLog) Closed(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := l.db.Exec(ctx,
		`UPDATE relay_sessions SET disconnected_at = $2
		 WHERE session_id = $1 AND disconnected_at IS NULL`,
		sessionID, at,
	)
	if err != nil {
		return fmt.Errorf("recording session %s closed: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("closing session %s: %w", sessionID, ErrSessionNotFound)
	}
	return nil
}

// Get returns the row for sessionID.
//
// Postcondition: Returns ErrSessionNotFound when no row exists.
func (l *SessionLog) Get(ctx context.Context, sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	err := l.db.QueryRow(ctx,
		`SELECT session_id, instance_id, remote_addr, connected_at, disconnected_at
		 FROM relay_sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.SessionID, &rec.InstanceID, &rec.RemoteAddr, &rec.ConnectedAt, &rec.DisconnectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return rec, nil
}

// CloseOrphans stamps every session still open under a previous relay instance.
// Sessions never outlive the process that accepted them, so these rows belong to
// a relay that exited without recording its disconnects. That only holds while one
// relay writes to the database: a second live instance would have its open sessions
// closed too, so shared deployments turn this off with database.close_orphans.
//
// Postcondition: Returns the number of rows closed.
func (l *SessionLog) CloseOrphans(ctx context.Context, currentInstance string, at time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx,
		`UPDATE relay_sessions SET disconnected_at = $2
		 WHERE disconnected_at IS NULL AND instance_id <> $1`,
		currentInstance, at,
	)
	if err != nil {
		return 0, fmt.Errorf("closing orphaned sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
