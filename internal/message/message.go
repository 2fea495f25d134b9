// Package message defines the classroom chat message model and its
// PostgreSQL-backed store. Messages are immutable once created; the store
// enforces the enrollment precondition itself so it is safe to call from any
// code path, not just the gateway.
package message

import "time"

// User is the denormalized author snapshot attached to every message so that
// clients can render it without a second lookup.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ClassRoom is the denormalized classroom snapshot attached to every message.
type ClassRoom struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is a single persisted chat message. CreatedAt is assigned by the
// storage layer and is the authoritative ordering for history reads.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	User      User      `json:"user"`
	ClassRoom ClassRoom `json:"classRoom"`
}
