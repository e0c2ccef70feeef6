// Package control is the management protocol of a running hypervisor. A
// client on the control socket can forward platform requests, read the
// debug ring and fetch per-core exit statistics.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
package control

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MsgType identifies a control protocol message.
type MsgType uint32

const (
	MsgRequest    MsgType = 1 // code, arg1, arg2 as big-endian uint64s
	MsgStatus     MsgType = 2 // big-endian uint64 status of a MsgRequest
	MsgDump       MsgType = 3 // asks for the debug ring
	MsgDumpText   MsgType = 4 // debug ring contents
	MsgStats      MsgType = 5 // asks for statistics
	MsgStatsReply MsgType = 6 // gob-encoded Stats
	MsgError      MsgType = 7 // error text
)

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgStatus:
		return "status"
	case MsgDump:
		return "dump"
	case MsgDumpText:
		return "dump text"
	case MsgStats:
		return "stats"
	case MsgStatsReply:
		return "stats reply"
	case MsgError:
		return "error"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

// MaxPayload bounds the payload a Receiver accepts.
const MaxPayload = 16 << 20

const (
	headerSize  = 12
	requestSize = 24
)

var (
	errPayloadTooLarge = errors.New("payload too large")
	errBadPayload      = errors.New("malformed payload")
)

// Sender writes framed messages to an underlying writer.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a control Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Send writes a single framed message. Header and payload go out in one
// write so concurrent senders on a stream socket do not interleave.
func (s *Sender) Send(t MsgType, payload []byte) error {
	msg := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint32(msg[0:4], uint32(t))
	binary.BigEndian.PutUint64(msg[4:12], uint64(len(payload)))
	msg = append(msg, payload...)

	if _, err := s.w.Write(msg); err != nil {
		return fmt.Errorf("send %v: %w", t, err)
	}

	return nil
}

// SendRequest forwards a platform request.
func (s *Sender) SendRequest(code, arg1, arg2 uint64) error {
	payload := make([]byte, requestSize)
	binary.BigEndian.PutUint64(payload[0:8], code)
	binary.BigEndian.PutUint64(payload[8:16], arg1)
	binary.BigEndian.PutUint64(payload[16:24], arg2)

	return s.Send(MsgRequest, payload)
}

// SendStatus answers a request.
func (s *Sender) SendStatus(status uint64) error {
	return s.Send(MsgStatus, binary.BigEndian.AppendUint64(nil, status))
}

// SendDumpText sends the debug ring contents.
func (s *Sender) SendDumpText(text string) error {
	return s.Send(MsgDumpText, []byte(text))
}

// SendStats encodes st with gob and sends it as a MsgStatsReply.
func (s *Sender) SendStats(st *Stats) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	return s.Send(MsgStatsReply, buf.Bytes())
}

// SendError reports err to the peer.
func (s *Sender) SendError(err error) error {
	return s.Send(MsgError, []byte(err.Error()))
}

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a control Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
// A clean end of stream before a header is io.EOF.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}

		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	if length > MaxPayload {
		return 0, nil, fmt.Errorf("%v of %d bytes: %w", t, length, errPayloadTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%v len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// DecodeRequest splits a MsgRequest payload.
func DecodeRequest(payload []byte) (code, arg1, arg2 uint64, err error) {
	if len(payload) != requestSize {
		return 0, 0, 0, fmt.Errorf("request of %d bytes: %w", len(payload), errBadPayload)
	}

	return binary.BigEndian.Uint64(payload[0:8]),
		binary.BigEndian.Uint64(payload[8:16]),
		binary.BigEndian.Uint64(payload[16:24]), nil
}

// DecodeStatus decodes a MsgStatus payload.
func DecodeStatus(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("status of %d bytes: %w", len(payload), errBadPayload)
	}

	return binary.BigEndian.Uint64(payload), nil
}

// DecodeStats decodes a gob-encoded Stats from payload bytes.
func DecodeStats(payload []byte) (*Stats, error) {
	st := &Stats{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(st); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	return st, nil
}
