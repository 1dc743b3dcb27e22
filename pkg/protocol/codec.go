package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeRequest parses a msgpack request envelope.
func DecodeRequest(b []byte) (Request, error) {
	var req Request
	if len(b) == 0 {
		return req, errors.New("empty envelope")
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(req Request) ([]byte, error) {
	b, err := msgpack.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

// DecodeResponse parses a msgpack response envelope.
func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(b, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	resp.Data.Kind = ParseService(resp.Service)
	return resp, nil
}

// EncodeResponse serializes a response envelope.
func EncodeResponse(resp Response) ([]byte, error) {
	b, err := msgpack.Marshal(&resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return b, nil
}

var _ msgpack.CustomDecoder = (*RequestData)(nil)

// DecodeMsgpack accepts a clock of any msgpack number type. Values beyond
// int64 saturate at math.MaxInt64 so they fail the MaxClock check instead of
// wrapping.
func (d *RequestData) DecodeMsgpack(dec *msgpack.Decoder) error {
	*d = RequestData{}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for range n {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		switch key {
		case "user":
			v, err := dec.DecodeInterfaceLoose()
			if err != nil {
				return err
			}
			switch u := v.(type) {
			case nil:
			case string:
				d.User = u
			case []byte:
				d.User = string(u)
			default:
				return fmt.Errorf("user: unexpected %T", v)
			}
		case "clock":
			v, err := dec.DecodeInterfaceLoose()
			if err != nil {
				return err
			}
			if v == nil {
				continue
			}
			c, err := clockValue(v)
			if err != nil {
				return err
			}
			d.Clock = &c
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

func clockValue(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, nil
		}
		return int64(n), nil
	case float64:
		switch {
		case math.IsNaN(n):
			return 0, errors.New("clock: not a number")
		case n >= math.MaxInt64:
			return math.MaxInt64, nil
		case n <= math.MinInt64:
			return math.MinInt64, nil
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("clock: unexpected %T", v)
	}
}

var _ msgpack.CustomEncoder = ResponseData{}

// EncodeMsgpack writes only the keys that belong to the payload shape:
// errors carry status and description, rank carries rank, list always
// carries list (possibly empty), heartbeat carries neither.
func (d ResponseData) EncodeMsgpack(enc *msgpack.Encoder) error {
	n := 2
	switch {
	case d.IsError():
		n += 2
	case d.Kind == ServiceRank, d.Kind == ServiceList:
		n++
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}

	switch {
	case d.IsError():
		if err := encodeString(enc, "status", d.Status); err != nil {
			return err
		}
		if err := encodeString(enc, "description", d.Description); err != nil {
			return err
		}
	case d.Kind == ServiceRank:
		if err := encodeInt(enc, "rank", d.Rank); err != nil {
			return err
		}
	case d.Kind == ServiceList:
		if err := enc.EncodeString("list"); err != nil {
			return err
		}
		list := d.List
		if list == nil {
			list = []Entry{}
		}
		if err := enc.Encode(list); err != nil {
			return err
		}
	}

	if err := encodeInt(enc, "timestamp", d.Timestamp); err != nil {
		return err
	}
	return encodeInt(enc, "clock", d.Clock)
}

func encodeString(enc *msgpack.Encoder, key, v string) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeString(v)
}

func encodeInt(enc *msgpack.Encoder, key string, v int64) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeInt(v)
}
