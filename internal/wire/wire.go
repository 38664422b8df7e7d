package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("wire: malformed message")

// Signature slots of the SignaturePair message.
const (
	SignatureEd25519   protowire.Number = 3
	SignatureECDSA     protowire.Number = 6
	signaturePrefixNum protowire.Number = 1
)

// AccountID mirrors the AccountID message.
type AccountID struct {
	Shard int64
	Realm int64
	Num   int64
	Alias []byte
}

// TransactionID mirrors the TransactionID message.
type TransactionID struct {
	Seconds   int64
	Nanos     int32
	Account   AccountID
	Scheduled bool
	Nonce     int32
}

// TransactionBody carries the envelope fields shared by every transaction kind plus
// the kind's own oneof slot.
type TransactionBody struct {
	ID                   TransactionID
	Node                 AccountID
	Fee                  uint64
	ValidDurationSeconds int64
	Memo                 string
	DataField            protowire.Number
	Data                 []byte
}

// SignaturePair is one public-key-prefix / signature entry of a SignatureMap.
type SignaturePair struct {
	PubKeyPrefix []byte
	Kind         protowire.Number
	Signature    []byte
}

// AppendMessage appends a length-delimited embedded message.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return AppendMessage(b, num, v)
}

// EncodeAccountID encodes an AccountID message.
func EncodeAccountID(id AccountID) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(id.Shard))
	b = appendVarint(b, 2, uint64(id.Realm))
	if len(id.Alias) > 0 {
		return appendBytes(b, 4, id.Alias)
	}
	return appendVarint(b, 3, uint64(id.Num))
}

// EncodeTimestamp encodes a Timestamp message.
func EncodeTimestamp(seconds int64, nanos int32) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(seconds))
	return appendVarint(b, 2, uint64(nanos))
}

// EncodeTransactionID encodes a TransactionID message.
func EncodeTransactionID(id TransactionID) []byte {
	var b []byte
	b = AppendMessage(b, 1, EncodeTimestamp(id.Seconds, id.Nanos))
	b = AppendMessage(b, 2, EncodeAccountID(id.Account))
	if id.Scheduled {
		b = appendVarint(b, 3, 1)
	}
	return appendVarint(b, 4, uint64(id.Nonce))
}

// EncodeTransactionBody encodes a TransactionBody message.
func EncodeTransactionBody(body TransactionBody) []byte {
	var b []byte
	b = AppendMessage(b, 1, EncodeTransactionID(body.ID))
	b = AppendMessage(b, 2, EncodeAccountID(body.Node))
	b = appendVarint(b, 3, body.Fee)
	var d []byte
	d = appendVarint(d, 1, uint64(body.ValidDurationSeconds))
	b = AppendMessage(b, 4, d)
	if body.Memo != "" {
		b = AppendMessage(b, 6, []byte(body.Memo))
	}
	if body.DataField != 0 {
		b = AppendMessage(b, body.DataField, body.Data)
	}
	return b
}

// EncodeSchedulableBody encodes a SchedulableTransactionBody message.
func EncodeSchedulableBody(fee uint64, memo string, field protowire.Number, data []byte) []byte {
	var b []byte
	b = appendVarint(b, 1, fee)
	if memo != "" {
		b = AppendMessage(b, 2, []byte(memo))
	}
	return AppendMessage(b, field, data)
}

// EncodeSignedTransaction encodes a SignedTransaction with its SignatureMap.
func EncodeSignedTransaction(bodyBytes []byte, pairs []SignaturePair) []byte {
	var sigMap []byte
	for _, p := range pairs {
		var pair []byte
		pair = appendBytes(pair, signaturePrefixNum, p.PubKeyPrefix)
		pair = AppendMessage(pair, p.Kind, p.Signature)
		sigMap = AppendMessage(sigMap, 1, pair)
	}
	var b []byte
	b = AppendMessage(b, 1, bodyBytes)
	return AppendMessage(b, 2, sigMap)
}

// EncodeTransaction wraps signed transaction bytes into a Transaction.
func EncodeTransaction(signedTransactionBytes []byte) []byte {
	return AppendMessage(nil, 5, signedTransactionBytes)
}

// EncodeQueryHeader encodes a QueryHeader. payment may be nil.
func EncodeQueryHeader(payment []byte, responseType int32) []byte {
	var b []byte
	b = appendBytes(b, 1, payment)
	return appendVarint(b, 2, uint64(responseType))
}

// EncodeQuery wraps a query kind's message into its Query oneof slot.
func EncodeQuery(field protowire.Number, data []byte) []byte {
	return AppendMessage(nil, field, data)
}

// EncodeTransactionResponse encodes a TransactionResponse.
func EncodeTransactionResponse(code int32, cost uint64) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(code))
	return appendVarint(b, 2, cost)
}

// EncodeResponse encodes a Response whose oneof slot field holds a message made of
// a ResponseHeader followed by extra, already encoded, fields.
func EncodeResponse(field protowire.Number, code int32, extra []byte) []byte {
	header := appendVarint(nil, 1, uint64(code))
	inner := AppendMessage(nil, 1, header)
	inner = append(inner, extra...)
	return AppendMessage(nil, field, inner)
}

// Field is one decoded top-level field.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// Fields decodes the top level of a message. Fixed-width fields are returned in
// Varint; groups are rejected.
func Fields(b []byte) ([]Field, error) {
	var out []Field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Varint, n = v, m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Bytes, n = v, m
		case protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Varint, n = uint64(v), m
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			f.Varint, n = v, m
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d", ErrMalformed, typ)
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// DecodeTransactionResponse returns the precheck code and cost of a TransactionResponse.
func DecodeTransactionResponse(b []byte) (code int32, cost uint64, err error) {
	fields, err := Fields(b)
	if err != nil {
		return 0, 0, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			code = int32(f.Varint)
		case 2:
			cost = f.Varint
		}
	}
	return code, cost, nil
}

// DecodeResponseHeader extracts the precheck code from the ResponseHeader of
// whichever oneof slot a Response carries.
func DecodeResponseHeader(b []byte) (code int32, err error) {
	fields, err := Fields(b)
	if err != nil {
		return 0, err
	}
	for _, f := range fields {
		if f.Type != protowire.BytesType {
			continue
		}
		inner, err := Fields(f.Bytes)
		if err != nil {
			return 0, err
		}
		for _, h := range inner {
			if h.Num != 1 || h.Type != protowire.BytesType {
				continue
			}
			header, err := Fields(h.Bytes)
			if err != nil {
				return 0, err
			}
			for _, c := range header {
				if c.Num == 1 {
					return int32(c.Varint), nil
				}
			}
			return 0, nil
		}
		return 0, fmt.Errorf("%w: response without header", ErrMalformed)
	}
	return 0, fmt.Errorf("%w: empty response", ErrMalformed)
}

// DecodeAccountID decodes an AccountID message.
func DecodeAccountID(b []byte) (AccountID, error) {
	fields, err := Fields(b)
	if err != nil {
		return AccountID{}, err
	}
	var id AccountID
	for _, f := range fields {
		switch f.Num {
		case 1:
			id.Shard = int64(f.Varint)
		case 2:
			id.Realm = int64(f.Varint)
		case 3:
			id.Num = int64(f.Varint)
		case 4:
			id.Alias = append([]byte(nil), f.Bytes...)
		}
	}
	return id, nil
}

// DecodeSignedTransaction unwraps a Transaction into its body bytes and signature pairs.
func DecodeSignedTransaction(tx []byte) (bodyBytes []byte, pairs []SignaturePair, err error) {
	outer, err := Fields(tx)
	if err != nil {
		return nil, nil, err
	}
	var signed []byte
	for _, f := range outer {
		if f.Num == 5 {
			signed = f.Bytes
		}
	}
	if signed == nil {
		return nil, nil, fmt.Errorf("%w: missing signedTransactionBytes", ErrMalformed)
	}
	fields, err := Fields(signed)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range fields {
		switch f.Num {
		case 1:
			bodyBytes = f.Bytes
		case 2:
			entries, err := Fields(f.Bytes)
			if err != nil {
				return nil, nil, err
			}
			for _, e := range entries {
				pf, err := Fields(e.Bytes)
				if err != nil {
					return nil, nil, err
				}
				var pair SignaturePair
				for _, p := range pf {
					if p.Num == signaturePrefixNum {
						pair.PubKeyPrefix = p.Bytes
					} else {
						pair.Kind, pair.Signature = p.Num, p.Bytes
					}
				}
				pairs = append(pairs, pair)
			}
		}
	}
	return bodyBytes, pairs, nil
}

// DecodeTransactionBody decodes the envelope fields of a TransactionBody.
func DecodeTransactionBody(b []byte) (TransactionBody, error) {
	fields, err := Fields(b)
	if err != nil {
		return TransactionBody{}, err
	}
	var body TransactionBody
	for _, f := range fields {
		switch f.Num {
		case 1:
			body.ID, err = decodeTransactionID(f.Bytes)
		case 2:
			body.Node, err = DecodeAccountID(f.Bytes)
		case 3:
			body.Fee = f.Varint
		case 4:
			var d []Field
			d, err = Fields(f.Bytes)
			for _, x := range d {
				if x.Num == 1 {
					body.ValidDurationSeconds = int64(x.Varint)
				}
			}
		case 6:
			body.Memo = string(f.Bytes)
		default:
			if f.Num > 6 && f.Type == protowire.BytesType {
				body.DataField, body.Data = f.Num, f.Bytes
			}
		}
		if err != nil {
			return TransactionBody{}, err
		}
	}
	return body, nil
}

func decodeTransactionID(b []byte) (TransactionID, error) {
	fields, err := Fields(b)
	if err != nil {
		return TransactionID{}, err
	}
	var id TransactionID
	for _, f := range fields {
		switch f.Num {
		case 1:
			ts, err := Fields(f.Bytes)
			if err != nil {
				return TransactionID{}, err
			}
			for _, t := range ts {
				switch t.Num {
				case 1:
					id.Seconds = int64(t.Varint)
				case 2:
					id.Nanos = int32(t.Varint)
				}
			}
		case 2:
			if id.Account, err = DecodeAccountID(f.Bytes); err != nil {
				return TransactionID{}, err
			}
		case 3:
			id.Scheduled = f.Varint != 0
		case 4:
			id.Nonce = int32(f.Varint)
		}
	}
	return id, nil
}
