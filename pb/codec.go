package pb

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMessage is returned by Unmarshal when a body is not exactly
// one well-formed known variant.
var ErrMalformedMessage = errors.New("malformed message")

// Marshal encodes msg as an AgentMessage envelope.
func Marshal(msg Message) ([]byte, error) {
	var body []byte
	switch m := msg.(type) {
	case *StartPortForward:
		body = appendUint(nil, 1, uint64(m.Port))
	case *StopPortForward:
		body = appendUint(nil, 1, uint64(m.Port))
	case *OpenURL:
		if !utf8.ValidString(m.URL) {
			return nil, errors.New("pb: OpenUrl url is not valid UTF-8")
		}
		if m.URL != "" {
			body = protowire.AppendTag(body, 1, protowire.BytesType)
			body = protowire.AppendString(body, m.URL)
		}
	case *StreamOpen:
		body = appendUint(nil, 1, uint64(m.StreamID))
		body = appendUint(body, 2, uint64(m.ContainerPort))
	case *StreamData:
		body = appendUint(nil, 1, uint64(m.StreamID))
		if len(m.Data) > 0 {
			body = protowire.AppendTag(body, 2, protowire.BytesType)
			body = protowire.AppendBytes(body, m.Data)
		}
	case *StreamHalfClose:
		body = appendUint(nil, 1, uint64(m.StreamID))
		body = appendUint(body, 2, uint64(m.Direction))
	case *StreamClose:
		body = appendUint(nil, 1, uint64(m.StreamID))
	case nil:
		return nil, errors.New("pb: marshal nil message")
	default:
		return nil, fmt.Errorf("pb: unsupported message type %T", msg)
	}

	out := make([]byte, 0, len(body)+protowire.SizeTag(1)+protowire.SizeBytes(len(body)))
	out = protowire.AppendTag(out, protowire.Number(msg.Kind()), protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

// appendUint appends a varint field, omitting zero values like proto3 does.
func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes an AgentMessage envelope. Unknown fields inside a known
// variant are skipped; an empty envelope, an unknown variant or more than
// one variant is malformed.
func Unmarshal(b []byte) (Message, error) {
	var (
		kind Kind
		body []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("envelope tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num < protowire.Number(KindStartPortForward) || num > protowire.Number(KindStreamClose) {
			return nil, malformed("unknown variant field %d", num)
		}
		if typ != protowire.BytesType {
			return nil, malformed("variant field %d has wire type %d", num, typ)
		}
		if kind != 0 {
			return nil, malformed("more than one variant set")
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, malformed("variant body: %v", protowire.ParseError(n))
		}
		b = b[n:]
		kind, body = Kind(num), v
	}
	if kind == 0 {
		return nil, malformed("no variant set")
	}

	f, err := parseFields(body)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindStartPortForward:
		port, err := f.port(1)
		if err != nil {
			return nil, err
		}
		return &StartPortForward{Port: port}, nil
	case KindStopPortForward:
		port, err := f.port(1)
		if err != nil {
			return nil, err
		}
		return &StopPortForward{Port: port}, nil
	case KindOpenURL:
		if !utf8.Valid(f.bytes[1]) {
			return nil, malformed("url is not valid UTF-8")
		}
		return &OpenURL{URL: string(f.bytes[1])}, nil
	case KindStreamOpen:
		id, err := f.uint32(1)
		if err != nil {
			return nil, err
		}
		port, err := f.port(2)
		if err != nil {
			return nil, err
		}
		return &StreamOpen{StreamID: id, ContainerPort: port}, nil
	case KindStreamData:
		id, err := f.uint32(1)
		if err != nil {
			return nil, err
		}
		return &StreamData{StreamID: id, Data: f.bytes[2]}, nil
	case KindStreamHalfClose:
		id, err := f.uint32(1)
		if err != nil {
			return nil, err
		}
		dir := Direction(f.varints[2])
		if dir != DirectionHostToContainer && dir != DirectionContainerToHost {
			return nil, malformed("unknown half-close direction %d", f.varints[2])
		}
		return &StreamHalfClose{StreamID: id, Direction: dir}, nil
	default:
		id, err := f.uint32(1)
		if err != nil {
			return nil, err
		}
		return &StreamClose{StreamID: id}, nil
	}
}

// fields holds the decoded scalar fields of one variant body. The last
// occurrence of a repeated field wins, as in proto3.
type fields struct {
	varints map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

func parseFields(b []byte) (fields, error) {
	f := fields{
		varints: make(map[protowire.Number]uint64, 2),
		bytes:   make(map[protowire.Number][]byte, 1),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, malformed("field tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			f.varints[num] = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			f.bytes[num] = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, malformed("field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return f, nil
}

func (f fields) port(num protowire.Number) (uint16, error) {
	v := f.varints[num]
	if v > math.MaxUint16 {
		return 0, malformed("port %d out of range", v)
	}
	return uint16(v), nil
}

func (f fields) uint32(num protowire.Number) (uint32, error) {
	v := f.varints[num]
	if v > math.MaxUint32 {
		return 0, malformed("stream id %d out of range", v)
	}
	return uint32(v), nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
