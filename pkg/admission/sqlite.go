package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS members (
	member_id     TEXT    NOT NULL PRIMARY KEY,
	invitation_id TEXT    NOT NULL,
	peer_id       TEXT    NOT NULL,
	peer_name     TEXT    NOT NULL DEFAULT '',
	admitted_at   INTEGER NOT NULL,
	UNIQUE (invitation_id, peer_id)
);
CREATE INDEX IF NOT EXISTS members_admitted_at ON members (admitted_at);
`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file. Required; ":memory:" is accepted.
	Path string

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// SQLiteStore is an Authority persisting members in SQLite.
// Each admission is a single transaction; the (invitation, peer) unique
// key makes repeated admissions return the original record.
type SQLiteStore struct {
	db  *sql.DB
	log logging.LeveledLogger

	mu     sync.RWMutex
	closed bool

	// writeMu serializes admissions; SQLite allows a single writer and a
	// read-then-write transaction cannot be upgraded under contention.
	writeMu sync.Mutex
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// OpenSQLite opens or creates a member database.
func OpenSQLite(config SQLiteConfig) (*SQLiteStore, error) {
	path := strings.TrimSpace(config.Path)
	if path == "" {
		return nil, fmt.Errorf("admission: storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("admission: open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("admission: ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("admission: create schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("admission")
	}
	return s, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Admit implements Authority.
func (s *SQLiteStore) Admit(ctx context.Context, peer PeerIdentity, invitationID uuid.UUID) (*MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := peer.Validate(); err != nil {
		return nil, err
	}
	if invitationID == uuid.Nil {
		return nil, ErrInvalidInvitation
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.writeMu.Lock()
	rec, err := s.admitTx(ctx, peer, invitationID)
	s.writeMu.Unlock()
	if err != nil && isUniqueViolation(err) {
		// A concurrent admission of the same pair won the insert.
		rec, err = s.lookup(ctx, s.db, invitationID, peer.ID)
	}
	if err != nil {
		return nil, err
	}

	if s.log != nil {
		s.log.Infof("admitted %s as %s via invitation %s", peer, rec.MemberID, invitationID)
	}
	return rec, nil
}

func (s *SQLiteStore) admitTx(ctx context.Context, peer PeerIdentity, invitationID uuid.UUID) (*MembershipRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("admission: begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.lookup(ctx, tx, invitationID, peer.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rec = &MembershipRecord{
		MemberID:     uuid.NewString(),
		InvitationID: invitationID,
		Peer:         peer,
		AdmittedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO members (member_id, invitation_id, peer_id, peer_name, admitted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.MemberID, invitationID.String(), peer.ID, peer.Name, toMillis(rec.AdmittedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("admission: insert member: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("admission: commit: %w", err)
	}
	return rec, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) lookup(ctx context.Context, q querier, invitationID uuid.UUID, peerID string) (*MembershipRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT member_id, peer_name, admitted_at FROM members
		 WHERE invitation_id = ? AND peer_id = ?`,
		invitationID.String(), peerID,
	)
	rec := &MembershipRecord{
		InvitationID: invitationID,
		Peer:         PeerIdentity{ID: peerID},
	}
	var admittedAt int64
	if err := row.Scan(&rec.MemberID, &rec.Peer.Name, &admittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("admission: lookup member: %w", err)
	}
	rec.AdmittedAt = fromMillis(admittedAt)
	return rec, nil
}

// Members returns all records ordered by admission time.
func (s *SQLiteStore) Members(ctx context.Context) ([]MembershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, invitation_id, peer_id, peer_name, admitted_at
		 FROM members ORDER BY admitted_at, member_id`)
	if err != nil {
		return nil, fmt.Errorf("admission: list members: %w", err)
	}
	defer rows.Close()

	var out []MembershipRecord
	for rows.Next() {
		var (
			rec        MembershipRecord
			invitation string
			admittedAt int64
		)
		if err := rows.Scan(&rec.MemberID, &invitation, &rec.Peer.ID, &rec.Peer.Name, &admittedAt); err != nil {
			return nil, fmt.Errorf("admission: scan member: %w", err)
		}
		if rec.InvitationID, err = uuid.Parse(invitation); err != nil {
			return nil, fmt.Errorf("admission: bad invitation id %q: %w", invitation, err)
		}
		rec.AdmittedAt = fromMillis(admittedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ Authority = (*SQLiteStore)(nil)
