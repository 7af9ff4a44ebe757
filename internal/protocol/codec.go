package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMessageTooLarge is returned when an envelope exceeds the decoder limit.
	ErrMessageTooLarge = errors.New("envelope exceeds size limit")
	// ErrMalformedEnvelope marks a single bad line; the stream itself is intact.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// EncodeEnvelope serializes an Envelope as one JSON line and writes it to w.
// Returns an error if marshaling or writing fails.
func EncodeEnvelope(w io.Writer, env *Envelope) error {
	if env.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", env.Protocol)
	}
	if env.ID == "" {
		return fmt.Errorf("envelope missing required field: id")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	return nil
}

// DecodeEnvelope parses and validates a single encoded envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if env.Protocol != Version {
		return nil, fmt.Errorf("%w: unsupported protocol version: %d", ErrMalformedEnvelope, env.Protocol)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing required field: id", ErrMalformedEnvelope)
	}

	return &env, nil
}

// Decoder reads newline-delimited envelopes from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder that rejects envelopes larger than maxBytes.
// A non-positive maxBytes selects DefaultMaxMessageBytes.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	initial := 64 * 1024
	if initial > maxBytes+1 {
		initial = maxBytes + 1
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initial), maxBytes+1)
	return &Decoder{scanner: s}
}

// Decode returns the next envelope. It returns io.EOF when the stream ends
// cleanly. Blank lines are skipped.
func (d *Decoder) Decode() (*Envelope, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return DecodeEnvelope(line)
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrMessageTooLarge
		}
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	return nil, io.EOF
}
