package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/classhub/classchat/internal/message"
)

func TestParseJoin(t *testing.T) {
	data := []byte(`{"type":"join","participantId":"p1","classroomName":"3A"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	join, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if join.ParticipantID != "p1" || join.ClassroomName != "3A" {
		t.Errorf("unexpected payload: %+v", join)
	}
}

func TestParseJoinMissingCredentialsStillParses(t *testing.T) {
	// Credential presence is the gateway's concern, not the codec's.
	data := []byte(`{"type":"join","participantId":"p1"}`)

	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if join := msg.(JoinMsg); join.ClassroomName != "" {
		t.Errorf("expected empty classroomName, got %q", join.ClassroomName)
	}
}

func TestParseSendMessage(t *testing.T) {
	data := []byte(`{"type":"send_message","text":"oi"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}
	if m := msg.(SendMessageMsg); m.Text != "oi" {
		t.Errorf("expected text 'oi', got %q", m.Text)
	}
}

func TestParsePing(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected type %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"text":"oi"}`)); err == nil {
		t.Error("expected error for missing type field")
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"new_message"}`)); err == nil {
		t.Error("expected error for server-only message type")
	}
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeError, ErrorMsg{Message: "not authorized for this room"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeError {
		t.Errorf("expected type %q, got %v", TypeError, decoded["type"])
	}
	if decoded["message"] != "not authorized for this room" {
		t.Errorf("unexpected message: %v", decoded["message"])
	}
}

// A broadcast message carries the persisted Message shape at the top level
// of the event, next to the type discriminator.
func TestNewMessageEventShape(t *testing.T) {
	msg := message.Message{
		ID:        "m1",
		Text:      "oi",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		User:      message.User{ID: "p1", Name: "Ana", Email: "ana@example.com"},
		ClassRoom: message.ClassRoom{ID: "c1", Name: "3A"},
	}

	data, err := NewServerMessage(TypeNewMessage, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
		User      struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"user"`
		ClassRoom struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"classRoom"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if decoded.Type != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, decoded.Type)
	}
	if decoded.ID != "m1" || decoded.Text != "oi" {
		t.Errorf("unexpected message fields: %+v", decoded)
	}
	if decoded.User.ID != "p1" || decoded.User.Email != "ana@example.com" {
		t.Errorf("unexpected user fields: %+v", decoded.User)
	}
	if decoded.ClassRoom.Name != "3A" {
		t.Errorf("unexpected classRoom fields: %+v", decoded.ClassRoom)
	}
	if decoded.CreatedAt == "" {
		t.Error("expected createdAt to be present")
	}
}

func TestPreviousMessagesEventShape(t *testing.T) {
	msgs := []message.Message{
		{ID: "m1", Text: "first"},
		{ID: "m2", Text: "second"},
	}

	data, err := NewServerMessage(TypePreviousMessages, PreviousMessagesMsg{Messages: msgs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded struct {
		Type     string            `json:"type"`
		Messages []message.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Type != TypePreviousMessages {
		t.Errorf("expected type %q, got %q", TypePreviousMessages, decoded.Type)
	}
	if len(decoded.Messages) != 2 || decoded.Messages[0].ID != "m1" || decoded.Messages[1].ID != "m2" {
		t.Errorf("unexpected history order: %+v", decoded.Messages)
	}
}
