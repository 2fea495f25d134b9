// Package presence mirrors live chat sessions into Redis for operational
// visibility (who is connected to which classroom, on which server). The
// in-memory room registry stays authoritative; every write here is
// best-effort and a Redis outage never affects chat delivery.
//
//	Key:   presence:<session_id>
//	Value: hash of session attributes
//	TTL:   refreshed on activity, so crashed servers leak nothing
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys in Redis.
	TTL = 1 * time.Hour
)

// Session is the mirrored view of one live connection.
type Session struct {
	ID            string `redis:"id"`
	ParticipantID string `redis:"participant_id"`
	Classroom     string `redis:"classroom"`
	Server        string `redis:"server"`      // which gateway instance
	ConnectedAt   int64  `redis:"connected_at"` // unix timestamp
	LastActive    int64  `redis:"last_active"`  // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create records a freshly joined session with a TTL.
func (s *Store) Create(ctx context.Context, sessionID, participantID, classroom string) error {
	key := KeyPrefix + sessionID
	now := time.Now().Unix()

	entry := map[string]interface{}{
		"id":             sessionID,
		"participant_id": participantID,
		"classroom":      classroom,
		"server":         s.serverName,
		"connected_at":   now,
		"last_active":    now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirrored session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := KeyPrefix + sessionID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch marks the session active and refreshes its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := KeyPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session mirror on disconnect.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := KeyPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
