// Package authz decides chat admission from the enrollment relation.
//
// The gate is a pure point-in-time query: every privileged chat operation
// (connect, send) re-checks it instead of caching the connect-time decision,
// so enrollment changes take effect on the very next operation with no
// invalidation machinery. Lookup failures collapse to "no access" rather than
// surfacing as errors, letting callers treat denial uniformly.
package authz

import (
	"context"
	"database/sql"
	"log"

	"github.com/classhub/classchat/internal/directory"
)

// Gate answers enrollment questions against PostgreSQL. It never mutates the
// enrollment relation.
type Gate struct {
	db *sql.DB
}

// NewGate creates a gate backed by the given database handle.
func NewGate(db *sql.DB) *Gate {
	return &Gate{db: db}
}

// IsEnrolled reports whether an enrollment exists for the (participant,
// classroom) pair. Lookup errors are logged and reported as not enrolled.
func (g *Gate) IsEnrolled(ctx context.Context, participantID, classroomID string) bool {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM enrollments
			WHERE participant_id = $1 AND classroom_id = $2)`

	var enrolled bool
	if err := g.db.QueryRowContext(ctx, query, participantID, classroomID).Scan(&enrolled); err != nil {
		log.Printf("authz: enrollment lookup participant=%s classroom=%s: %v", participantID, classroomID, err)
		return false
	}
	return enrolled
}

// IsEnrolledByClassroomName resolves the classroom by its unique name and
// checks enrollment. An unknown name is simply not enrolled, not an error.
func (g *Gate) IsEnrolledByClassroomName(ctx context.Context, participantID, classroomName string) bool {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM enrollments e
			JOIN classrooms c ON c.id = e.classroom_id
			WHERE e.participant_id = $1 AND c.name = $2)`

	var enrolled bool
	if err := g.db.QueryRowContext(ctx, query, participantID, classroomName).Scan(&enrolled); err != nil {
		log.Printf("authz: enrollment lookup participant=%s classroom_name=%q: %v", participantID, classroomName, err)
		return false
	}
	return enrolled
}

// ClassroomsFor returns every classroom the participant is enrolled in,
// ordered by name. It returns an empty slice when the participant has no
// enrollments or when the lookup fails.
func (g *Gate) ClassroomsFor(ctx context.Context, participantID string) []directory.Classroom {
	const query = `
		SELECT c.id, c.name, c.age_range
		FROM enrollments e
		JOIN classrooms c ON c.id = e.classroom_id
		WHERE e.participant_id = $1
		ORDER BY c.name`

	rows, err := g.db.QueryContext(ctx, query, participantID)
	if err != nil {
		log.Printf("authz: classrooms lookup participant=%s: %v", participantID, err)
		return []directory.Classroom{}
	}
	defer rows.Close()

	classrooms := []directory.Classroom{}
	for rows.Next() {
		var (
			c        directory.Classroom
			ageRange sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &ageRange); err != nil {
			log.Printf("authz: classrooms scan participant=%s: %v", participantID, err)
			return []directory.Classroom{}
		}
		c.AgeRange = ageRange.String
		classrooms = append(classrooms, c)
	}
	if err := rows.Err(); err != nil {
		log.Printf("authz: classrooms rows participant=%s: %v", participantID, err)
		return []directory.Classroom{}
	}
	return classrooms
}
