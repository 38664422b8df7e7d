// Package wire encodes and decodes the protobuf envelopes exchanged with ledger
// nodes. Payload kinds hand in their own encoded messages; this package only
// frames them into transactions, signature maps, queries and responses.
package wire

import "fmt"

// Codec is a gRPC codec that passes pre-encoded protobuf frames through untouched.
// Requests and replies are plain []byte values (or *[]byte for replies).
type Codec struct{}

// Marshal returns the frame as is.
func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case []byte:
		return m, nil
	case *[]byte:
		if m == nil {
			return nil, nil
		}
		return *m, nil
	default:
		return nil, fmt.Errorf("wire: cannot marshal %T, expected []byte", v)
	}
}

// Unmarshal copies the frame into v, which must be a *[]byte.
func (Codec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T, expected *[]byte", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Name reports the proto content subtype so nodes see application/grpc+proto.
func (Codec) Name() string { return "proto" }
