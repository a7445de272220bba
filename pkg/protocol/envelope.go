package protocol

import (
	"bytes"
	"io"
)

// Envelope type constants (Client → Server)
const (
	TypeLogin         = 0x01
	TypeRegister      = 0x02
	TypeDirectMessage = 0x03
	TypeBroadcast     = 0x04
	TypeWhoElse       = 0x05
	TypeWhoElseSince  = 0x06
	TypeBlock         = 0x07
	TypeUnblock       = 0x08
	TypeLogout        = 0x09
	TypeStartPrivate  = 0x0A
	TypeExit          = 0x0B
)

// Envelope type constants (Server → Client only)
const (
	TypeServerNotice  = 0x81
	TypeTimeout       = 0x82
	TypeOfflineDigest = 0x83
	TypePresence      = 0x84
)

// SenderServer is the sender name used on server-originated envelopes
const SenderServer = "SERVER"

// Status vocabulary carried in envelope bodies. Multi-word statuses append the
// relevant username after a space, e.g. "SUCCESS bob".
const (
	StatusSuccess   = "SUCCESS"
	StatusUsername  = "USERNAME"
	StatusPassword  = "PASSWORD"
	StatusBlocked   = "BLOCKED"
	StatusOnline    = "ONLINE"
	StatusSelf      = "SELF"
	StatusEmpty     = "EMPTY"
	StatusOffline   = "OFFLINE"
	StatusUnblocked = "UNBLOCKED"
)

// Envelope is the sender/receiver/type/body unit exchanged between client and
// server. It doubles as the internal routing unit: offline queues and broadcast
// fan-out move envelopes, never a second message type.
type Envelope struct {
	Type     uint8
	Sender   string // empty for client → server
	Receiver string // optional
	Body     string // free text, sub-fields space-delimited by convention
}

func (e *Envelope) EncodeTo(w io.Writer) error {
	if err := WriteString(w, e.Sender); err != nil {
		return err
	}
	if err := WriteString(w, e.Receiver); err != nil {
		return err
	}
	return WriteString(w, e.Body)
}

func (e *Envelope) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := e.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Envelope) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	receiver, err := ReadString(buf)
	if err != nil {
		return err
	}
	body, err := ReadString(buf)
	if err != nil {
		return err
	}
	e.Sender = sender
	e.Receiver = receiver
	e.Body = body
	return nil
}

// WriteEnvelope frames and writes a single envelope
func WriteEnvelope(w io.Writer, e *Envelope) error {
	payload, err := e.Encode()
	if err != nil {
		return err
	}
	return EncodeFrame(w, &Frame{
		Version: ProtocolVersion,
		Type:    e.Type,
		Flags:   0,
		Payload: payload,
	})
}

// ReadEnvelope reads one framed envelope; the frame type becomes the envelope type
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Type: frame.Type}
	if err := env.Decode(frame.Payload); err != nil {
		return nil, err
	}
	return env, nil
}

// TypeName returns a human-readable name for an envelope type, used for
// logging and metric labels
func TypeName(t uint8) string {
	switch t {
	case TypeLogin:
		return "LOGIN"
	case TypeRegister:
		return "REGISTER"
	case TypeDirectMessage:
		return "MESSAGE"
	case TypeBroadcast:
		return "BROADCAST"
	case TypeWhoElse:
		return "WHOELSE"
	case TypeWhoElseSince:
		return "WHOELSESINCE"
	case TypeBlock:
		return "BLOCK"
	case TypeUnblock:
		return "UNBLOCK"
	case TypeLogout:
		return "LOGOUT"
	case TypeStartPrivate:
		return "STARTPRIVATE"
	case TypeExit:
		return "EXIT"
	case TypeServerNotice:
		return "SERVER_NOTICE"
	case TypeTimeout:
		return "TIMEOUT"
	case TypeOfflineDigest:
		return "OFFLINE_DIGEST"
	case TypePresence:
		return "PRESENCE"
	default:
		return "UNKNOWN"
	}
}
