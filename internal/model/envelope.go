package model

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

const (
	EnvelopeFormat = 0x01
	NonceSize      = 24
	TagSize        = 16

	envelopeHeaderSize = 1 + 4 + NonceSize + TagSize
)

type (
	// Envelope is the only form a chat message takes once it leaves the
	// encryption service.
	Envelope struct {
		KeyVersion uint32
		Nonce      []byte
		Ciphertext []byte
		Tag        []byte
	}
)

// MarshalBinary encodes e as format || keyVersion || nonce || tag || ciphertext.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if len(e.Nonce) != NonceSize || len(e.Tag) != TagSize {
		return nil, fmt.Errorf("malformed envelope: nonce=%d tag=%d", len(e.Nonce), len(e.Tag))
	}
	b := make([]byte, envelopeHeaderSize+len(e.Ciphertext))
	b[0] = EnvelopeFormat
	binary.BigEndian.PutUint32(b[1:5], e.KeyVersion)
	copy(b[5:5+NonceSize], e.Nonce)
	copy(b[5+NonceSize:envelopeHeaderSize], e.Tag)
	copy(b[envelopeHeaderSize:], e.Ciphertext)
	return b, nil
}

func (e *Envelope) UnmarshalBinary(b []byte) error {
	if len(b) < envelopeHeaderSize {
		return fmt.Errorf("envelope too short (%d bytes): %w", len(b), ErrAuthenticationFailure)
	}
	if b[0] != EnvelopeFormat {
		return fmt.Errorf("unknown envelope format %#x: %w", b[0], ErrAuthenticationFailure)
	}
	e.KeyVersion = binary.BigEndian.Uint32(b[1:5])
	e.Nonce = append([]byte(nil), b[5:5+NonceSize]...)
	e.Tag = append([]byte(nil), b[5+NonceSize:envelopeHeaderSize]...)
	e.Ciphertext = append([]byte(nil), b[envelopeHeaderSize:]...)
	return nil
}

// Encode returns the base64 text form used on JSON channels.
func (e *Envelope) Encode() (string, error) {
	b, err := e.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func DecodeEnvelope(s string) (*Envelope, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope base64: %v: %w", err, ErrAuthenticationFailure)
	}
	var e Envelope
	if err := e.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &e, nil
}
