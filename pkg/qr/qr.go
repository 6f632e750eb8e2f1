// Package qr encodes and decodes the text payloads printed in NUT QR codes.
//
// Two payload shapes exist: NUT:CLIENT:<id> for a client profile and
// NUT:CONT:<id> for a reusable container. Prefixes match case-insensitively,
// the id suffix is kept as scanned.
package qr

import (
	"errors"
	"strings"
)

// Type identifies which entity a payload refers to.
type Type string

const (
	TypeClient    Type = "client"
	TypeContainer Type = "container"
)

const (
	PrefixClient    = "NUT:CLIENT:"
	PrefixContainer = "NUT:CONT:"
)

var (
	// ErrEmptyInput is returned for an empty (or blank) payload.
	ErrEmptyInput = errors.New("qr: empty input")
	// ErrMissingID is returned when a known prefix carries no id.
	ErrMissingID = errors.New("qr: missing id")
	// ErrUnrecognizedFormat is returned for any other content.
	ErrUnrecognizedFormat = errors.New("qr: unrecognized format, expected NUT:CLIENT:<id> or NUT:CONT:<id>")
)

// Payload is a decoded QR code.
type Payload struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// String returns the canonical encoding of the payload.
func (p Payload) String() string {
	return Encode(p.Type, p.ID)
}

// Encode builds the payload text for an entity.
func Encode(t Type, id string) string {
	switch t {
	case TypeClient:
		return PrefixClient + id
	case TypeContainer:
		return PrefixContainer + id
	default:
		return id
	}
}

// Parse decodes a raw scanned string.
func Parse(raw string) (Payload, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Payload{}, ErrEmptyInput
	}
	for _, candidate := range []struct {
		prefix string
		typ    Type
	}{
		{PrefixClient, TypeClient},
		{PrefixContainer, TypeContainer},
	} {
		if len(s) < len(candidate.prefix) || !strings.EqualFold(s[:len(candidate.prefix)], candidate.prefix) {
			continue
		}
		id := s[len(candidate.prefix):]
		if id == "" {
			return Payload{}, ErrMissingID
		}
		return Payload{Type: candidate.typ, ID: id}, nil
	}
	return Payload{}, ErrUnrecognizedFormat
}

// Resolve decodes raw and, when it is not a valid payload on its own, retries
// with the prefix of the expected type so a bare identifier is accepted.
// Only unrecognized content is retried; empty input and a prefix without id
// fail as in Parse. The decoded type is not checked against expected.
func Resolve(raw string, expected Type) (Payload, error) {
	p, err := Parse(raw)
	if !errors.Is(err, ErrUnrecognizedFormat) {
		return p, err
	}
	return Parse(Encode(expected, strings.TrimSpace(raw)))
}

// Message returns a human readable reason for a codec error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrEmptyInput):
		return "empty code"
	case errors.Is(err, ErrMissingID):
		return "code has no identifier"
	case errors.Is(err, ErrUnrecognizedFormat):
		return "unrecognized code, expected NUT:CLIENT:<id> or NUT:CONT:<id>"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}
