// Package event parses the JSON frames exchanged with the relay into a closed
// set of event variants.
//
// Every frame is a JSON object with a "type" discriminator. The kinds the
// relay knows about get their own variant so that the router can switch on
// them exhaustively; anything else becomes an Application event. Each variant
// keeps the complete object it was parsed from so that fields the relay does
// not understand are forwarded untouched.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Known event types
const (
	TypePing             = "ping"
	TypePong             = "pong"
	TypePresence         = "presence"
	TypeTyping           = "typing"
	TypeReactionCreated  = "reaction.created"
	TypeReactionRemoved  = "reaction.removed"
	TypeMessageCreated   = "message.created"
	TypeConversationRead = "conversation.read"
)

var (
	// ErrNotObject is returned for frames that are not a JSON object
	ErrNotObject = errors.New("not a json object")

	// ErrNoType is returned for objects without a string type field
	ErrNoType = errors.New("missing type")
)

// Event is one of the variants defined in this package
type Event interface {
	// Type returns the discriminator
	Type() string

	// Destination returns the user the event is addressed to, or "" if it is undirected
	Destination() string

	// Origin returns the user the event came from, or "" if unknown
	Origin() string

	// Fields returns a copy of the complete object
	Fields() map[string]interface{}

	// MarshalJSON returns the complete object
	MarshalJSON() ([]byte, error)

	isEvent()
}

type raw map[string]interface{}

// Type is "" unless the discriminator is a JSON string
func (r raw) Type() string {
	t, _ := r["type"].(string)
	return t
}

// Destination is the top level recipientId, else the top level to
func (r raw) Destination() string {
	if d := str(r, "recipientId"); d != "" {
		return d
	}
	return str(r, "to")
}

func (r raw) Origin() string {
	return str(r, "userId")
}

func (r raw) Fields() map[string]interface{} {
	return r.copy()
}

func (r raw) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(r))
}

func (r raw) isEvent() {}

// copy is shallow; nested objects are shared
func (r raw) copy() raw {
	c := make(raw, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Ping asks the relay for a Pong on the same connection
type Ping struct {
	raw
}

// Presence announces that a user has come online or gone offline
type Presence struct {
	raw
	UserID string
	Online bool
}

// WithUser returns a copy of the Presence attributed to userID
func (p Presence) WithUser(userID string) Presence {
	r := p.raw.copy()
	r["userId"] = userID
	return Presence{raw: r, UserID: userID, Online: p.Online}
}

// Typing shows that a user is composing a message to another
type Typing struct {
	raw
	UserID string
	To     string
	Typing bool
}

// WithUser returns a copy of the Typing attributed to userID
func (t Typing) WithUser(userID string) Typing {
	r := t.raw.copy()
	r["userId"] = userID
	return Typing{raw: r, UserID: userID, To: t.To, Typing: t.Typing}
}

// Reaction is the reaction object carried by reaction events
type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	Type      string
}

// ReactionCreated is published when a user reacts to a message
type ReactionCreated struct {
	raw
	Reaction Reaction
}

// Origin is the reacting user
func (e ReactionCreated) Origin() string {
	if e.Reaction.UserID != "" {
		return e.Reaction.UserID
	}
	return e.raw.Origin()
}

// ReactionRemoved is published when a user withdraws a reaction
type ReactionRemoved struct {
	raw
	Reaction Reaction
}

// Origin is the user whose reaction was removed
func (e ReactionRemoved) Origin() string {
	if e.Reaction.UserID != "" {
		return e.Reaction.UserID
	}
	return e.raw.Origin()
}

// Message is the message object carried by message.created
type Message struct {
	ID          string
	UserID      string
	RecipientID string
	Text        string
	CreatedAt   string
}

// MessageCreated is published when a message has been stored
type MessageCreated struct {
	raw
	Message Message
}

// Destination also accepts a recipientId on the nested message
func (e MessageCreated) Destination() string {
	if d := e.raw.Destination(); d != "" {
		return d
	}
	return e.Message.RecipientID
}

// Origin is the author of the message
func (e MessageCreated) Origin() string {
	if e.Message.UserID != "" {
		return e.Message.UserID
	}
	return e.raw.Origin()
}

// ConversationRead is published when a user has read a conversation with another
type ConversationRead struct {
	raw
	UserID      string
	OtherUserID string
}

// Application is any event type the relay does not know about
type Application struct {
	raw
}

// Parse returns the Event represented by data
func Parse(data []byte) (Event, error) {

	d := json.NewDecoder(bytes.NewReader(data))
	d.UseNumber() // keep numbers exactly as sent

	var v interface{}

	if err := d.Decode(&v); err != nil {
		return nil, err
	}

	if d.More() {
		return nil, errors.New("trailing data after json object")
	}

	m, ok := v.(map[string]interface{})

	if !ok {
		return nil, ErrNotObject
	}

	return FromFields(m)
}

// FromFields returns the Event represented by the fields of a JSON object.
// The map is retained, so the caller must not modify it afterwards.
func FromFields(m map[string]interface{}) (Event, error) {

	r := raw(m)

	switch r.Type() {
	case "":
		return nil, ErrNoType
	case TypePing:
		return Ping{r}, nil
	case TypePresence:
		return Presence{
			raw:    r,
			UserID: str(r, "userId"),
			Online: boolean(r, "online"),
		}, nil
	case TypeTyping:
		return Typing{
			raw:    r,
			UserID: str(r, "userId"),
			To:     r.Destination(),
			Typing: boolean(r, "typing"),
		}, nil
	case TypeReactionCreated:
		return ReactionCreated{raw: r, Reaction: reaction(object(r, "reaction"))}, nil
	case TypeReactionRemoved:
		return ReactionRemoved{raw: r, Reaction: reaction(object(r, "reaction"))}, nil
	case TypeMessageCreated:
		msg := object(r, "message")
		return MessageCreated{
			raw: r,
			Message: Message{
				ID:          str(msg, "id"),
				UserID:      str(msg, "userId"),
				RecipientID: str(msg, "recipientId"),
				Text:        str(msg, "text"),
				CreatedAt:   str(msg, "createdAt"),
			},
		}, nil
	case TypeConversationRead:
		return ConversationRead{
			raw:         r,
			UserID:      str(r, "userId"),
			OtherUserID: str(r, "otherUserId"),
		}, nil
	default:
		return Application{r}, nil
	}
}

// Pong returns the reply to a Ping
func Pong() []byte {
	return []byte(`{"type":"pong"}`)
}

func reaction(m map[string]interface{}) Reaction {
	return Reaction{
		ID:        str(m, "id"),
		MessageID: str(m, "messageId"),
		UserID:    str(m, "userId"),
		Type:      str(m, "type"),
	}
}

// str returns the string at key, formatting numeric ids as their
// literal text. Anything else, including null, is "".
func str(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func boolean(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func object(m map[string]interface{}, key string) map[string]interface{} {
	o, _ := m[key].(map[string]interface{})
	return o
}
