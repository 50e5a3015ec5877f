package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Version is the envelope schema version. Receivers reject other versions.
const Version = 1

// Kind tags the body carried by an envelope.
type Kind string

const (
	KindSelectionRequest  Kind = "selection_request"
	KindSelectionResponse Kind = "selection_response"
	KindReportRequest     Kind = "report_request"
	KindReportResponse    Kind = "report_response"
	KindError             Kind = "error"
)

var (
	// ErrUnexpectedKind is returned when an envelope carries a different kind than expected.
	ErrUnexpectedKind = errors.New("unexpected message kind")
	// ErrVersion is returned for envelopes of an unsupported schema version.
	ErrVersion = errors.New("unsupported envelope version")
)

// Envelope is the tagged, versioned container of every message.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Version int             `json:"version"`
	Body    json.RawMessage `json:"body"`
}

// RemoteError is an error reported by the peer in a KindError envelope.
type RemoteError struct {
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Encode serializes body into a compressed envelope payload.
func Encode(kind Kind, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{Kind: kind, Version: Version, Body: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	return snappy.Encode(nil, data), nil
}

// Decode parses a compressed envelope payload.
func Decode(payload []byte) (Envelope, error) {
	// The snappy header declares the decoded size; bound it like a frame.
	n, err := snappy.DecodedLen(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("decompressing envelope: %w", err)
	}
	if n > DefaultMaxFrameSize {
		return Envelope{}, fmt.Errorf("%w: envelope decompresses to %d > %d bytes", ErrFrameTooLarge, n, DefaultMaxFrameSize)
	}
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("decompressing envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Version != Version {
		return Envelope{}, fmt.Errorf("%w: %d", ErrVersion, env.Version)
	}
	return env, nil
}

// Send writes one framed message.
func Send(w io.Writer, kind Kind, body any) error {
	payload, err := Encode(kind, body)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// SendError writes a KindError message.
func SendError(w io.Writer, msg string) error {
	return Send(w, KindError, RemoteError{Message: msg})
}

// Receive reads one framed message of the wanted kind into body. A KindError
// message is returned as *RemoteError.
func Receive(r io.Reader, want Kind, body any) error {
	payload, err := ReadFrame(r, DefaultMaxFrameSize)
	if err != nil {
		return err
	}
	env, err := Decode(payload)
	if err != nil {
		return err
	}
	if env.Kind == KindError && want != KindError {
		remote := &RemoteError{}
		if err := json.Unmarshal(env.Body, remote); err != nil {
			return fmt.Errorf("decoding error body: %w", err)
		}
		return remote
	}
	if env.Kind != want {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, env.Kind, want)
	}
	if err := json.Unmarshal(env.Body, body); err != nil {
		return fmt.Errorf("decoding %s body: %w", want, err)
	}
	return nil
}
