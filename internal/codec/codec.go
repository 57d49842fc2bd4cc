// Package codec implements the gateway's client wire protocol.
//
// Every message travels in a self-delimiting frame:
//
//	+-------+---------+----------------+-----------------+
//	| 'G'   | version | length (4B BE) | payload         |
//	+-------+---------+----------------+-----------------+
//
// The payload is protobuf wire format so fields can be added without breaking
// older peers. The package performs no I/O.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// Magic marks the start of every frame.
	Magic byte = 'G'
	// Version is the only frame version this package produces and accepts.
	Version byte = 1
	// HeaderSize is the fixed frame header length.
	HeaderSize = 6
	// MaxPayload bounds a single frame's payload.
	MaxPayload = 1 << 20
)

var (
	// ErrNeedMoreData means the buffer holds an incomplete frame. Read more and retry.
	ErrNeedMoreData = errors.New("codec: need more data")
	// ErrMalformedFrame means the stream cannot be resynchronised.
	ErrMalformedFrame = errors.New("codec: malformed frame")
)

// Kind distinguishes replies from server-initiated events.
type Kind uint8

const (
	KindReply Kind = 0
	KindEvent Kind = 1
)

// Request is one client call.
type Request struct {
	ID   uint64
	Op   string
	Args []string
}

// Response answers a Request with the same ID, or carries an event (ID 0).
type Response struct {
	ID      uint64
	Status  Status
	Fields  []string
	Message string
	Kind    Kind
}

const (
	fieldID      protowire.Number = 1
	fieldOp      protowire.Number = 2
	fieldArgs    protowire.Number = 3
	fieldStatus  protowire.Number = 2
	fieldFields  protowire.Number = 3
	fieldMessage protowire.Number = 4
	fieldKind    protowire.Number = 5
)

// EncodeRequest frames req.
func EncodeRequest(req Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, req.ID)
	b = protowire.AppendTag(b, fieldOp, protowire.BytesType)
	b = protowire.AppendString(b, req.Op)
	for _, arg := range req.Args {
		b = protowire.AppendTag(b, fieldArgs, protowire.BytesType)
		b = protowire.AppendString(b, arg)
	}
	return frame(b)
}

// EncodeResponse frames resp.
func EncodeResponse(resp Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.ID)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(resp.Status))
	for _, f := range resp.Fields {
		b = protowire.AppendTag(b, fieldFields, protowire.BytesType)
		b = protowire.AppendString(b, f)
	}
	if resp.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, resp.Message)
	}
	if resp.Kind != KindReply {
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(resp.Kind))
	}
	return frame(b)
}

// DecodeRequest extracts the first request from buf and returns the bytes
// that follow it.
func DecodeRequest(buf []byte) (Request, []byte, error) {
	payload, rest, err := unframe(buf)
	if err != nil {
		return Request{}, buf, err
	}

	var req Request
	err = walk(payload, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fieldID && typ == protowire.VarintType:
			id, n := protowire.ConsumeVarint(v)
			req.ID = id
			return n, nil
		case num == fieldOp && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			req.Op = s
			return n, nil
		case num == fieldArgs && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			if n >= 0 {
				req.Args = append(req.Args, s)
			}
			return n, nil
		}
		return unknownField, nil
	})
	if err != nil {
		return Request{}, buf, err
	}
	if req.Op == "" {
		return Request{}, buf, fmt.Errorf("%w: request without op", ErrMalformedFrame)
	}
	return req, rest, nil
}

// DecodeResponse extracts the first response from buf and returns the bytes
// that follow it.
func DecodeResponse(buf []byte) (Response, []byte, error) {
	payload, rest, err := unframe(buf)
	if err != nil {
		return Response{}, buf, err
	}

	var resp Response
	err = walk(payload, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fieldID && typ == protowire.VarintType:
			id, n := protowire.ConsumeVarint(v)
			resp.ID = id
			return n, nil
		case num == fieldStatus && typ == protowire.VarintType:
			st, n := protowire.ConsumeVarint(v)
			resp.Status = Status(st)
			return n, nil
		case num == fieldFields && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			if n >= 0 {
				resp.Fields = append(resp.Fields, s)
			}
			return n, nil
		case num == fieldMessage && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			resp.Message = s
			return n, nil
		case num == fieldKind && typ == protowire.VarintType:
			k, n := protowire.ConsumeVarint(v)
			resp.Kind = Kind(k)
			return n, nil
		}
		return unknownField, nil
	})
	if err != nil {
		return Response{}, buf, err
	}
	return resp, rest, nil
}

func frame(payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = Magic
	out[1] = Version
	binary.BigEndian.PutUint32(out[2:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

func unframe(buf []byte) (payload, rest []byte, err error) {
	if len(buf) > 0 && buf[0] != Magic {
		return nil, nil, fmt.Errorf("%w: bad magic 0x%02x", ErrMalformedFrame, buf[0])
	}
	if len(buf) > 1 && buf[1] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, buf[1])
	}
	if len(buf) < HeaderSize {
		return nil, nil, ErrNeedMoreData
	}
	size := binary.BigEndian.Uint32(buf[2:HeaderSize])
	if size > MaxPayload {
		return nil, nil, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrMalformedFrame, size)
	}
	end := HeaderSize + int(size)
	if len(buf) < end {
		return nil, nil, ErrNeedMoreData
	}
	return buf[HeaderSize:end], buf[end:], nil
}

// unknownField is returned by a visitor to have walk skip the field.
const unknownField = math.MinInt32

// walk visits every field in payload. visit returns the number of value bytes
// it consumed, or unknownField.
func walk(payload []byte, visit func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		payload = payload[n:]

		used, err := visit(num, typ, payload)
		if err != nil {
			return err
		}
		if used == unknownField {
			used = protowire.ConsumeFieldValue(num, typ, payload)
		}
		if used < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(used))
		}
		payload = payload[used:]
	}
	return nil
}
