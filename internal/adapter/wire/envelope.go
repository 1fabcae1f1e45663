// Package wire is the JSON framing of signaling envelopes shared by the relay
// and the calling client.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/Wyydra/yacall/internal/core/domain"
)

var (
	ErrUnknownKind    = errors.New("wire: unknown envelope kind")
	ErrMissingField   = errors.New("wire: missing required field")
	ErrPayloadInvalid = errors.New("wire: payload does not match kind")
)

func Encode(env domain.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses one envelope frame. Unknown fields and trailing data are
// rejected. Payloads of offer, answer and candidate envelopes are checked
// against their kind so malformed frames never reach a session.
func Decode(data []byte) (domain.Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env domain.Envelope
	if err := dec.Decode(&env); err != nil {
		return domain.Envelope{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return domain.Envelope{}, fmt.Errorf("wire: unexpected trailing data")
	}
	if err := Validate(env); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

func Validate(env domain.Envelope) error {
	switch env.Kind {
	case domain.KindOffer, domain.KindAnswer, domain.KindCandidate,
		domain.KindReject, domain.KindEnd,
		domain.KindUnreachable, domain.KindPeerClosed:
	case "":
		return fmt.Errorf("%w: kind", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if env.TargetID == "" {
		return fmt.Errorf("%w: targetId", ErrMissingField)
	}
	if env.SessionID == "" {
		return fmt.Errorf("%w: sessionId", ErrMissingField)
	}

	switch env.Kind {
	case domain.KindOffer, domain.KindAnswer:
		if _, err := env.Description(); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
	case domain.KindCandidate:
		if _, err := env.Candidate(); err != nil {
			return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
		}
	case domain.KindReject, domain.KindEnd:
		if len(env.Payload) > 0 {
			var p domain.ClosePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
			}
		}
	}
	return nil
}
