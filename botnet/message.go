package botnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Broadcast is the reserved recipient value meaning "every other robot
// currently connected to the network". It is a client-side intent only:
// the relay expands it into one queue entry per member before storage.
const Broadcast = -1

// Message is the unit of communication between robots. It is constructed
// with only its content; the network facade stamps sender and recipient
// immediately before transmission. A message whose endpoints have not been
// stamped is not serializable.
type Message struct {
	Content     string
	Sender      int
	Recipient   int
	TimeCreated float64 // Unix seconds, fractional

	hasSender    bool
	hasRecipient bool
}

// wireMessage is the JSON shape shared with the relay.
type wireMessage struct {
	Content     string   `json:"content"`
	Sender      *int     `json:"sender"`
	Recipient   *int     `json:"recipient"`
	TimeCreated *float64 `json:"time_created"`
}

// New creates a message with the given content and the current creation time.
func New(content string) *Message {
	return &Message{
		Content:     content,
		TimeCreated: float64(time.Now().UnixNano()) / 1e9,
	}
}

// Restore rebuilds a fully-stamped message, typically from a relay storage
// row. All four fields are taken as-is.
func Restore(content string, sender, recipient int, timeCreated float64) *Message {
	m := New(content)
	m.TimeCreated = timeCreated
	m.SetSender(sender)
	m.SetRecipient(recipient)
	return m
}

// SetSender stamps the sending robot's ID.
func (m *Message) SetSender(id int) {
	m.Sender = id
	m.hasSender = true
}

// SetRecipient stamps the recipient's ID, or Broadcast.
func (m *Message) SetRecipient(id int) {
	m.Recipient = id
	m.hasRecipient = true
}

// Valid reports whether both endpoints have been stamped.
func (m *Message) Valid() bool {
	return m.hasSender && m.hasRecipient
}

// MarshalJSON serializes the message for the wire. It fails, producing no
// output, if sender or recipient is unset.
func (m *Message) MarshalJSON() ([]byte, error) {
	if !m.hasSender {
		return nil, errors.New("message sender is not set")
	}
	if !m.hasRecipient {
		return nil, errors.New("message recipient is not set")
	}
	return json.Marshal(wireMessage{
		Content:     m.Content,
		Sender:      &m.Sender,
		Recipient:   &m.Recipient,
		TimeCreated: &m.TimeCreated,
	})
}

// UnmarshalJSON parses a wire message. All four fields are required.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Sender == nil || w.Recipient == nil || w.TimeCreated == nil {
		return errors.New("wire message is missing required fields")
	}
	m.Content = w.Content
	m.TimeCreated = *w.TimeCreated
	m.SetSender(*w.Sender)
	m.SetRecipient(*w.Recipient)
	return nil
}

// Equal reports structural equality over all four fields.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	return m.Content == other.Content &&
		m.Sender == other.Sender &&
		m.Recipient == other.Recipient &&
		m.TimeCreated == other.TimeCreated
}

func (m *Message) String() string {
	return fmt.Sprintf("<Message from %d to %d %q>", m.Sender, m.Recipient, m.Content)
}
