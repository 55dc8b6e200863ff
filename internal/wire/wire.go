// Package wire implements the request/response codec (component C12):
// the compact binary VM_EXEC_REQUEST/VM_COMPLETE_NOTIFICATION message
// framing and the textual JSON execution response.
//
// Grounded on bindings/c/ipc/protocol.go's Header/Encoder/Decoder
// style (fixed 2-byte type + 4-byte length header, big-endian field
// encoding), generalized from that package's general-purpose RPC
// opcode table to the two message types this system actually defines.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/vmerrors"
)

// Message types, named after the IPC message table entries they
// implement (VM_EXEC_REQUEST id 23, VM_COMPLETE_NOTIFICATION id 24).
const (
	MsgVMExecRequest          uint16 = 23
	MsgVMCompleteNotification uint16 = 24
)

// HeaderSize is the wire size of Header.
const HeaderSize = 6

// Header is the 2-byte big-endian message type plus 4-byte big-endian
// payload length that precedes every message on the transport.
type Header struct {
	Type   uint16
	Length uint32
}

// ReadHeader reads one Header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// WriteHeader writes h to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// requestPayloadMinLen is the fixed 4-byte header preceding the
// optional allowed-helpers list.
const requestPayloadMinLen = 4

// EncodeRequest serializes req into the wire-exact request payload:
// binary_layout, suit_slot, helper_set, helper_indices, then one byte
// per allowed helper ID. helper_set and helper_indices are unused by
// this implementation (the explicit list is authoritative per the
// source's ingress-path ambiguity, resolved in favor of the list) but
// are still present so the layout round-trips byte for byte.
func EncodeRequest(req vmconfig.Request) []byte {
	buf := make([]byte, requestPayloadMinLen+len(req.AllowedHelpers))
	buf[0] = byte(req.Config.Layout)
	buf[1] = byte(req.Config.SUITSlot)
	buf[2] = 0 // helper_set: reserved preset bitmap, unused when the explicit list is present
	buf[3] = byte(len(req.AllowedHelpers))
	copy(buf[4:], req.AllowedHelpers)
	return buf
}

// DecodeRequest parses the wire-exact request payload into a
// vmconfig.Request. A malformed payload (too short, or a declared
// helper-indices count that doesn't fit the remaining bytes) is a
// ParseError, which callers surface as BAD_REQUEST.
func DecodeRequest(payload []byte) (vmconfig.Request, error) {
	if len(payload) < requestPayloadMinLen {
		return vmconfig.Request{}, &vmerrors.ParseError{
			What:  "VM_EXEC_REQUEST payload",
			Cause: fmt.Errorf("payload length %d below minimum %d", len(payload), requestPayloadMinLen),
		}
	}

	layout := vmconfig.BinaryLayout(payload[0])
	suitSlot := int(payload[1])
	helperCount := int(payload[3])

	rest := payload[requestPayloadMinLen:]
	var helpers []uint8
	if helperCount > 0 {
		if helperCount > len(rest) {
			return vmconfig.Request{}, &vmerrors.ParseError{
				What:  "VM_EXEC_REQUEST payload",
				Cause: fmt.Errorf("helper_indices=%d exceeds remaining payload length %d", helperCount, len(rest)),
			}
		}
		helpers = append(helpers, rest[:helperCount]...)
	} else if len(rest) > 0 {
		// helper_indices=0 with trailing bytes: treat the whole remainder
		// as the allowed-helpers list, matching ingress paths that carry
		// the list length implicitly via the message length.
		helpers = append(helpers, rest...)
	}

	req := vmconfig.Request{
		Config: vmconfig.Config{
			Layout:   layout,
			SUITSlot: suitSlot,
		},
		AllowedHelpers: helpers,
	}
	return req, nil
}

// EncodeCompleteNotification serializes a VM_COMPLETE_NOTIFICATION
// payload: the worker identifier as a signed big-endian 16-bit value.
func EncodeCompleteNotification(msg vmconfig.CompleteMsg) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(msg.Worker))
	return buf
}

// DecodeCompleteNotification parses a VM_COMPLETE_NOTIFICATION payload.
func DecodeCompleteNotification(payload []byte) (vmconfig.CompleteMsg, error) {
	if len(payload) != 2 {
		return vmconfig.CompleteMsg{}, &vmerrors.ParseError{
			What:  "VM_COMPLETE_NOTIFICATION payload",
			Cause: fmt.Errorf("expected 2 bytes, got %d", len(payload)),
		}
	}
	return vmconfig.CompleteMsg{Worker: vmconfig.WorkerID(int16(binary.BigEndian.Uint16(payload)))}, nil
}

// Response is the execution result returned to the caller: compact
// JSON with no whitespace. ExecutionTime is omitted from the wire form
// when unset (zero is a legitimate microsecond duration, but the field
// is only meaningful when benchmarking was requested; HasExecutionTime
// controls that).
type Response struct {
	ExecutionTime    uint32
	HasExecutionTime bool
	Result           int64
	Error            string
}

type responseWire struct {
	ExecutionTime *uint32 `json:"execution_time,omitempty"`
	Result        int64   `json:"result"`
	Error         string  `json:"error,omitempty"`
}

// Encode renders r as compact JSON with no whitespace.
func (r Response) Encode() []byte {
	w := responseWire{Result: r.Result, Error: r.Error}
	if r.HasExecutionTime {
		w.ExecutionTime = &r.ExecutionTime
	}
	b, err := json.Marshal(w)
	if err != nil {
		// responseWire only ever holds plain scalars; Marshal cannot fail.
		panic(fmt.Sprintf("wire: marshal response: %v", err))
	}
	return b
}

// DecodeResponse parses a Response previously produced by Encode, used
// by admin-CLI tooling and tests. A non-empty Error field means the
// daemon's dispatcher failed the request; callers must check it
// themselves since a dispatch failure is still valid, decodable JSON
// with Result left at its zero value.
func DecodeResponse(data []byte) (Response, error) {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Response{}, &vmerrors.ParseError{What: "response JSON", Cause: err}
	}
	r := Response{Result: w.Result, Error: w.Error}
	if w.ExecutionTime != nil {
		r.ExecutionTime = *w.ExecutionTime
		r.HasExecutionTime = true
	}
	return r, nil
}
