// Package directory provides read-only lookups of participants and
// classrooms. Both relations are owned by the surrounding school-management
// subsystem; the chat core only reads them.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Participant roles.
const (
	RoleAdmin   = "admin"
	RoleStudent = "student"
)

// Participant is a chat actor resolved from the user-management subsystem.
type Participant struct {
	ID    string
	Name  string
	Email string
	Role  string
}

// Classroom is a named chat scope.
type Classroom struct {
	ID       string
	Name     string
	AgeRange string
}

// Store performs directory lookups against PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a directory store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ParticipantByID looks up a participant. Returns (nil, nil) when no
// participant matches the id.
func (s *Store) ParticipantByID(ctx context.Context, id string) (*Participant, error) {
	const query = `SELECT id, name, email, role FROM participants WHERE id = $1`

	var p Participant
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Email, &p.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: participant %s: %w", id, err)
	}
	return &p, nil
}

// ClassroomByName looks up a classroom by its unique display name. Returns
// (nil, nil) when no classroom matches.
func (s *Store) ClassroomByName(ctx context.Context, name string) (*Classroom, error) {
	const query = `SELECT id, name, age_range FROM classrooms WHERE name = $1`

	var (
		c        Classroom
		ageRange sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(&c.ID, &c.Name, &ageRange)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory: classroom %q: %w", name, err)
	}
	c.AgeRange = ageRange.String
	return &c, nil
}
