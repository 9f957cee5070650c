package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNilID is returned when a message has no identifier
	ErrNilID = errors.New("message ID cannot be nil")
	// ErrMissingDeliveryURL is returned when a message has no delivery URL
	ErrMissingDeliveryURL = errors.New("delivery URL cannot be empty")
	// ErrInvalidTransition is returned when a status change would move backwards
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Message is a payload waiting to be delivered to DeliveryURL.
// Apart from Status, a Message is not modified after creation.
type Message struct {
	ID          uuid.UUID `json:"id"`
	Contents    []byte    `json:"contents"`
	DeliveryURL string    `json:"deliveryUrl"`
	StatusURL   string    `json:"statusUrl,omitempty"`
	Status      Status    `json:"status"`
}

// New creates a pending message with a fresh random ID.
func New(contents []byte, deliveryURL, statusURL string) *Message {
	return &Message{
		ID:          uuid.New(),
		Contents:    contents,
		DeliveryURL: deliveryURL,
		StatusURL:   statusURL,
		Status:      StatusPending,
	}
}

// Validate reports whether the message can be accepted by a node.
func (m *Message) Validate() error {
	if m.ID == uuid.Nil {
		return ErrNilID
	}
	if m.DeliveryURL == "" {
		return ErrMissingDeliveryURL
	}
	return nil
}

// SetStatus moves a pending message to a final status.
// Setting the current status again is a no-op.
func (m *Message) SetStatus(s Status) error {
	if s == m.Status {
		return nil
	}
	if m.Status != StatusPending || s == StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, s)
	}
	m.Status = s
	return nil
}

// Size returns the number of content bytes.
func (m *Message) Size() int {
	return len(m.Contents)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Contents != nil {
		c.Contents = append([]byte(nil), m.Contents...)
	}
	return &c
}

// Equal reports whether two messages carry the same fields.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.ID == o.ID &&
		bytes.Equal(m.Contents, o.Contents) &&
		m.DeliveryURL == o.DeliveryURL &&
		m.StatusURL == o.StatusURL &&
		m.Status == o.Status
}

// Marshal encodes the message as JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a message previously produced by Marshal.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &m, nil
}
