package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel error kinds. Callers branch with errors.Is so that "not allowed"
// is distinguishable from "backend down".
var (
	// ErrUnauthorized means the author has no enrollment in the target
	// classroom at creation time.
	ErrUnauthorized = errors.New("message: author not enrolled in classroom")

	// ErrStorage wraps persistence-layer failures.
	ErrStorage = errors.New("message: storage failure")
)

// DefaultHistoryLimit is the number of messages returned by list operations
// when the caller does not specify a limit.
const DefaultHistoryLimit = 50

// Gate is the enrollment check consumed by Create. The check runs inside the
// create operation itself, not in the caller.
type Gate interface {
	IsEnrolled(ctx context.Context, participantID, classroomID string) bool
}

// Store persists chat messages in PostgreSQL.
type Store struct {
	db   *sql.DB
	gate Gate
}

// NewStore creates a message store backed by the given database handle and
// authorization gate.
func NewStore(db *sql.DB, gate Gate) *Store {
	return &Store{db: db, gate: gate}
}

// Create validates and persists a new message, returning it enriched with the
// author's name/email and the classroom name for immediate rendering.
// It fails with ErrUnauthorized when the gate rejects the (author, classroom)
// pair, and with ErrStorage-wrapped errors on persistence failures.
func (s *Store) Create(ctx context.Context, text, authorID, classroomID string) (*Message, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}
	if !s.gate.IsEnrolled(ctx, authorID, classroomID) {
		return nil, ErrUnauthorized
	}

	id := uuid.New().String()

	const insert = `
		INSERT INTO messages (id, text, participant_id, classroom_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, insert, id, text, authorID, classroomID).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("%w: insert: %v", ErrStorage, err)
	}

	msg := &Message{
		ID:        id,
		Text:      text,
		CreatedAt: createdAt,
		User:      User{ID: authorID},
		ClassRoom: ClassRoom{ID: classroomID},
	}

	const enrich = `
		SELECT p.name, p.email, c.name
		FROM participants p, classrooms c
		WHERE p.id = $1 AND c.id = $2`

	if err := s.db.QueryRowContext(ctx, enrich, authorID, classroomID).
		Scan(&msg.User.Name, &msg.User.Email, &msg.ClassRoom.Name); err != nil {
		return nil, fmt.Errorf("%w: enrich: %v", ErrStorage, err)
	}
	return msg, nil
}

// ListByClassroom returns the last limit messages of a classroom in ascending
// creation order (the tail of the persisted sequence). Ties on created_at are
// broken by insertion order. A limit <= 0 falls back to DefaultHistoryLimit.
func (s *Store) ListByClassroom(ctx context.Context, classroomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	const query = `
		SELECT m.id, m.text, m.created_at,
		       p.id, p.name, p.email,
		       c.id, c.name
		FROM messages m
		JOIN participants p ON p.id = m.participant_id
		JOIN classrooms c ON c.id = m.classroom_id
		WHERE m.classroom_id = $1
		ORDER BY m.created_at DESC, m.seq DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, classroomID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.Text, &m.CreatedAt,
			&m.User.ID, &m.User.Name, &m.User.Email,
			&m.ClassRoom.ID, &m.ClassRoom.Name,
		); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStorage, err)
	}

	reverseChronological(msgs)
	return msgs, nil
}

// ListByClassroomName resolves a classroom by its unique name and lists its
// messages. An unknown name yields an empty sequence, not an error.
func (s *Store) ListByClassroomName(ctx context.Context, classroomName string, limit int) ([]Message, error) {
	const query = `SELECT id FROM classrooms WHERE name = $1`

	var classroomID string
	err := s.db.QueryRowContext(ctx, query, classroomName).Scan(&classroomID)
	if errors.Is(err, sql.ErrNoRows) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve classroom %q: %v", ErrStorage, classroomName, err)
	}
	return s.ListByClassroom(ctx, classroomID, limit)
}

// reverseChronological flips a most-recent-first page into ascending order.
func reverseChronological(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
