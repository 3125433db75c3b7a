package queue

import (
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"sluice/source/broker"
)

// Mapper turns a raw broker message into a record of type T.
type Mapper[T any] interface {
	Map(broker.Message) (T, error)
}

type MapperFunc[T any] func(broker.Message) (T, error)

func (f MapperFunc[T]) Map(m broker.Message) (T, error) { return f(m) }

// Codec describes how records of type T are encoded when they leave the
// source.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

/* ────────── bytes ────────── */

// BytesMapper returns a copy of the payload.
func BytesMapper() Mapper[[]byte] {
	return MapperFunc[[]byte](func(m broker.Message) ([]byte, error) {
		return append([]byte(nil), m.Payload()...), nil
	})
}

type BytesCodec struct{}

func (BytesCodec) Encode(b []byte) ([]byte, error) { return b, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return b, nil }

/* ────────── protobuf payloads ────────── */

// ProtoMapper unmarshals each payload into a fresh message from newT.
func ProtoMapper[T proto.Message](newT func() T) Mapper[T] {
	return MapperFunc[T](func(m broker.Message) (T, error) {
		v := newT()
		if err := proto.Unmarshal(m.Payload(), v); err != nil {
			var zero T
			return zero, fmt.Errorf("proto mapper: %w", err)
		}
		return v, nil
	})
}

type ProtoCodec[T proto.Message] struct {
	New func() T
}

func (c ProtoCodec[T]) Encode(v T) ([]byte, error) { return proto.Marshal(v) }

func (c ProtoCodec[T]) Decode(b []byte) (T, error) {
	v := c.New()
	if err := proto.Unmarshal(b, v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

/* ────────── Record ────────── */

// Record is the general-purpose record: payload plus the broker metadata a
// downstream stage may need.
type Record struct {
	MessageID       string
	Payload         []byte
	Properties      map[string]string
	SenderTimestamp time.Time // zero when the broker carried none
	SequenceID      int64
	HasSequenceID   bool
	Redelivered     bool
}

func RecordMapper() Mapper[Record] {
	return MapperFunc[Record](func(m broker.Message) (Record, error) {
		r := Record{
			MessageID:   m.ID(),
			Payload:     append([]byte(nil), m.Payload()...),
			Redelivered: m.Redelivered(),
		}
		if props := m.Properties(); len(props) > 0 {
			r.Properties = make(map[string]string, len(props))
			for k, v := range props {
				r.Properties[k] = v
			}
		}
		if ts, ok := m.SenderTimestamp(); ok {
			r.SenderTimestamp = ts
		}
		r.SequenceID, r.HasSequenceID = m.SequenceID()
		return r, nil
	})
}

// RecordCodec encodes a Record as a protobuf message:
//
//	1 message_id  string
//	2 payload     bytes
//	3 properties  repeated {1 key, 2 value}
//	4 sender_ts   sint64 unix nanos
//	5 sequence_id sint64
//	6 redelivered bool
type RecordCodec struct{}

func (RecordCodec) Encode(r Record) ([]byte, error) {
	b := make([]byte, 0, len(r.Payload)+len(r.MessageID)+16)
	if r.MessageID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.MessageID)
	}
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	keys := make([]string, 0, len(r.Properties))
	for k := range r.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var kv []byte
		kv = protowire.AppendTag(kv, 1, protowire.BytesType)
		kv = protowire.AppendString(kv, k)
		kv = protowire.AppendTag(kv, 2, protowire.BytesType)
		kv = protowire.AppendString(kv, r.Properties[k])
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, kv)
	}
	if !r.SenderTimestamp.IsZero() {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.SenderTimestamp.UnixNano()))
	}
	if r.HasSequenceID {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.SequenceID))
	}
	if r.Redelivered {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

func (RecordCodec) Decode(b []byte) (Record, error) {
	var r Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.MessageID, b = v, b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Payload, b = append([]byte(nil), v...), b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			k, val, err := decodeProperty(v)
			if err != nil {
				return Record{}, err
			}
			if r.Properties == nil {
				r.Properties = map[string]string{}
			}
			r.Properties[k], b = val, b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.SenderTimestamp, b = time.Unix(0, protowire.DecodeZigZag(v)), b[n:]
		case num == 5 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.SequenceID, r.HasSequenceID, b = protowire.DecodeZigZag(v), true, b[n:]
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			r.Redelivered, b = v != 0, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

func decodeProperty(b []byte) (key, val string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		switch num {
		case 1:
			key = v
		case 2:
			val = v
		}
		b = b[n:]
	}
	return key, val, nil
}
