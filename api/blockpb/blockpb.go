// Package blockpb defines the wire messages for the block API. The messages
// are encoded by hand with protowire, so the frames stay protobuf-compatible
// without carrying generator output in the tree.
package blockpb

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every API message.
type Message interface {
	MarshalBlockpb() ([]byte, error)
	UnmarshalBlockpb(data []byte) error
}

// ReadRequest asks for one block.
type ReadRequest struct {
	Dev     uint32
	Blockno uint32
}

// ReadResponse carries the block's contents.
type ReadResponse struct {
	Data []byte
}

// WriteRequest carries one full block to store.
type WriteRequest struct {
	Dev     uint32
	Blockno uint32
	Data    []byte
}

// WriteResponse acknowledges a write.
type WriteResponse struct{}

// StatsRequest asks for the service counters.
type StatsRequest struct{}

// StatsResponse carries the service counters.
type StatsResponse struct {
	Hits       uint64
	Misses     uint64
	Recycles   uint64
	Migrations uint64
	FreePages  uint64
	JournalSeq uint64
}

func (m *ReadRequest) MarshalBlockpb() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(m.Dev))
	b = appendUint(b, 2, uint64(m.Blockno))
	return b, nil
}

func (m *ReadRequest) UnmarshalBlockpb(data []byte) error {
	return walkFields(data, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			m.Dev = uint32(v)
		case 2:
			m.Blockno = uint32(v)
		}
	})
}

func (m *ReadResponse) MarshalBlockpb() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	return b, nil
}

func (m *ReadResponse) UnmarshalBlockpb(data []byte) error {
	return walkFields(data, func(num protowire.Number, v uint64, raw []byte) {
		if num == 1 {
			m.Data = append([]byte(nil), raw...)
		}
	})
}

func (m *WriteRequest) MarshalBlockpb() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(m.Dev))
	b = appendUint(b, 2, uint64(m.Blockno))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Data)
	return b, nil
}

func (m *WriteRequest) UnmarshalBlockpb(data []byte) error {
	return walkFields(data, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			m.Dev = uint32(v)
		case 2:
			m.Blockno = uint32(v)
		case 3:
			m.Data = append([]byte(nil), raw...)
		}
	})
}

func (m *WriteResponse) MarshalBlockpb() ([]byte, error)    { return nil, nil }
func (m *WriteResponse) UnmarshalBlockpb(data []byte) error { return nil }

func (m *StatsRequest) MarshalBlockpb() ([]byte, error)    { return nil, nil }
func (m *StatsRequest) UnmarshalBlockpb(data []byte) error { return nil }

func (m *StatsResponse) MarshalBlockpb() ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, m.Hits)
	b = appendUint(b, 2, m.Misses)
	b = appendUint(b, 3, m.Recycles)
	b = appendUint(b, 4, m.Migrations)
	b = appendUint(b, 5, m.FreePages)
	b = appendUint(b, 6, m.JournalSeq)
	return b, nil
}

func (m *StatsResponse) UnmarshalBlockpb(data []byte) error {
	return walkFields(data, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			m.Hits = v
		case 2:
			m.Misses = v
		case 3:
			m.Recycles = v
		case 4:
			m.Migrations = v
		case 5:
			m.FreePages = v
		case 6:
			m.JournalSeq = v
		}
	})
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields decodes the field stream, handing varint fields as v and bytes
// fields as raw; unknown fields are skipped.
func walkFields(data []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, v, nil)
			data = data[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			fn(num, 0, raw)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// Codec marshals the API messages for grpc.
type Codec struct{}

// Name identifies the codec in grpc content subtypes.
func (Codec) Name() string { return "blockpb" }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("blockpb: cannot marshal %T", v)
	}
	return m.MarshalBlockpb()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("blockpb: cannot unmarshal into %T", v)
	}
	return m.UnmarshalBlockpb(data)
}
