package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame is the outer unit on the wire.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// EncodeFrame writes a frame to the writer
func EncodeFrame(w io.Writer, f *Frame) error {
	length := uint32(1 + 1 + 1 + len(f.Payload))

	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Version); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Type); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Flags); err != nil {
		return err
	}

	if len(f.Payload) > 0 {
		_, err := w.Write(f.Payload)
		return err
	}

	return nil
}

// DecodeFrame reads a frame from the reader
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	// Length must cover version, type and flags
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	version, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	msgType, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	flags, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	payloadLen := length - 3
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Version: version,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// EncodeMessage is a helper that encodes a full frame to a byte slice
func EncodeMessage(version, msgType, flags uint8, payload []byte) ([]byte, error) {
	frame := &Frame{
		Version: version,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}

	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, frame); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
