package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for empty lines or payloads that are not JSON
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for tags outside the vocabulary
	ErrUnknownType = errors.New("unknown message type")
)

// Frame is one tagged protocol message.
type Frame struct {
	Type    MessageType
	Payload json.RawMessage
}

// NewFrame builds a frame, encoding payload as JSON when it is not nil.
func NewFrame(t MessageType, payload any) (Frame, error) {
	f := Frame{Type: t}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	f.Payload = data
	return f, nil
}

// Encode renders the frame as a single newline-terminated line.
func (f Frame) Encode() ([]byte, error) {
	if f.Type == TypeUnknown {
		return nil, fmt.Errorf("%w: cannot encode UNKNOWN", ErrUnknownType)
	}
	var buf bytes.Buffer
	buf.WriteString(f.Type.String())
	if len(f.Payload) > 0 {
		compact := bytes.NewBuffer(make([]byte, 0, len(f.Payload)))
		if err := json.Compact(compact, f.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		buf.WriteByte(' ')
		buf.Write(compact.Bytes())
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ParseFrame decodes one line. The line may or may not include its newline.
// For an unknown tag the returned frame has TypeUnknown and the error wraps ErrUnknownType.
func ParseFrame(line []byte) (Frame, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return Frame{}, fmt.Errorf("%w: empty line", ErrMalformedFrame)
	}

	tagPart, payload := line, []byte(nil)
	if i := bytes.IndexByte(line, '{'); i >= 0 {
		tagPart, payload = line[:i], line[i:]
	}
	tag := string(bytes.TrimSpace(tagPart))

	t := ParseType(tag)
	if t == TypeUnknown {
		return Frame{Type: TypeUnknown}, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
	if payload != nil && !json.Valid(payload) {
		return Frame{Type: TypeUnknown}, fmt.Errorf("%w: invalid JSON after %s", ErrMalformedFrame, tag)
	}
	return Frame{Type: t, Payload: payload}, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// IsProtocolError reports whether err came from a bad frame rather than the transport.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrUnknownType)
}
