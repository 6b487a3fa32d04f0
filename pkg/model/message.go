package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChatPrefix namespaces every collection that holds chat messages.
const ChatPrefix = "chat_"

// DefaultTopic is used when no specific conversation is selected.
const DefaultTopic = ChatPrefix + "general"

// Message is the unit shown in a transcript. Text is ciphertext only while
// Encrypted is set.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted bool      `json:"encrypted"`
}

// RecordData is the payload the collection service stores for a message.
type RecordData struct {
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Encrypted bool      `json:"encrypted"`
}

// Record is a stored document inside a collection.
type Record struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Data      RecordData `json:"data"`
}

// Message converts a stored record into a Message. Records written without a
// timestamp fall back to their creation time.
func (r Record) Message() Message {
	ts := r.Data.Timestamp
	if ts.IsZero() {
		ts = r.CreatedAt
	}
	return Message{
		ID:        r.ID,
		Text:      r.Data.Text,
		Sender:    r.Data.Sender,
		Timestamp: ts,
		Encrypted: r.Data.Encrypted,
	}
}

// Data returns the stored payload for m.
func (m Message) Data() RecordData {
	return RecordData{
		Text:      m.Text,
		Sender:    m.Sender,
		Timestamp: m.Timestamp,
		Encrypted: m.Encrypted,
	}
}

// IsChatTopic reports whether collection belongs to the chat namespace.
func IsChatTopic(collection string) bool {
	return strings.HasPrefix(collection, ChatPrefix)
}

// TopicFor returns the collection for a conversation. An empty conversation
// maps to DefaultTopic; anything else is lowercased and every run of
// characters outside [a-z0-9] collapses to a single underscore.
func TopicFor(conversation string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(conversation)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "_")
	if slug == "" {
		return DefaultTopic
	}
	return ChatPrefix + slug
}

type EventType string

const EventCreate EventType = "create"

// EventKind is the closed set of inbound events the client acts on.
type EventKind int

const (
	KindOther EventKind = iota
	KindCreate
)

// Event is a change notification pushed by the live gateway.
type Event struct {
	Type       EventType `json:"type"`
	Collection string    `json:"collection"`
	Document   Record    `json:"document"`
}

// Kind maps the declared type onto the known event kinds. Unknown types are
// KindOther.
func (e Event) Kind() EventKind {
	if e.Type == EventCreate {
		return KindCreate
	}
	return KindOther
}

// IsChat reports whether e carries a new chat message.
func (e Event) IsChat() bool {
	return e.Kind() == KindCreate && IsChatTopic(e.Collection)
}

// ParseEvent decodes an inbound frame. The document is only decoded for
// create events so unknown event shapes never fail the parse.
func ParseEvent(data []byte) (Event, error) {
	var env struct {
		Type       EventType       `json:"type"`
		Collection string          `json:"collection"`
		Document   json.RawMessage `json:"document"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	ev := Event{Type: env.Type, Collection: env.Collection}
	if ev.Kind() != KindCreate {
		return ev, nil
	}
	if len(env.Document) == 0 {
		return Event{}, fmt.Errorf("decode event: create without document")
	}
	if err := json.Unmarshal(env.Document, &ev.Document); err != nil {
		return Event{}, fmt.Errorf("decode event document: %w", err)
	}
	return ev, nil
}

const ActionSubscribe = "subscribe"

// ControlFrame is sent by clients over the live connection.
type ControlFrame struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Roles    string `json:"roles"`
}
