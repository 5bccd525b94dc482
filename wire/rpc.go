// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// FrameKind discriminates inbound frames.
type FrameKind int

const (
	KindResponse FrameKind = iota
	KindError
	KindPush
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrEmptyFrame     = errors.New("frame has neither res nor err")
)

// Request is the signed part of a request envelope: [id, method, params, timestamp].
type Request struct {
	ID        uint64
	Method    string
	Params    json.RawMessage
	Timestamp uint64
}

// NewRequest builds a request with compacted params. Nil params are sent as an empty object.
func NewRequest(id uint64, method string, params interface{}, timestampMillis uint64) (Request, error) {
	raw := json.RawMessage(`{}`)
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return Request{}, errors.WithMessagef(err, "encoding %s params", method)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, b); err != nil {
			return Request{}, err
		}
		raw = buf.Bytes()
	}
	return Request{ID: id, Method: method, Params: raw, Timestamp: timestampMillis}, nil
}

// MarshalJSON encodes the request as a positional array.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.ID, r.Method, r.Params, r.Timestamp})
}

// UnmarshalJSON decodes the positional array form.
func (r *Request) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 4 {
		return errors.Wrapf(ErrMalformedFrame, "req has %d elements, want 4", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.ID); err != nil {
		return errors.Wrap(ErrMalformedFrame, "id")
	}
	if err := json.Unmarshal(parts[1], &r.Method); err != nil {
		return errors.Wrap(ErrMalformedFrame, "method")
	}
	if err := json.Unmarshal(parts[3], &r.Timestamp); err != nil {
		return errors.Wrap(ErrMalformedFrame, "timestamp")
	}
	r.Params = parts[2]
	return nil
}

// CanonicalJSON is the byte string the session key signs.
func (r Request) CanonicalJSON() ([]byte, error) {
	return r.MarshalJSON()
}

// RequestFrame is an outbound envelope.
type RequestFrame struct {
	Req Request         `json:"req"`
	Sig []hexutil.Bytes `json:"sig,omitempty"`
}

// Encode serializes the frame.
func (f RequestFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeRequestFrame parses an outbound envelope, as done by the coordinator.
func DecodeRequestFrame(data []byte) (RequestFrame, error) {
	var f RequestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return RequestFrame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return f, nil
}

// EncodeResponse builds a res envelope.
func EncodeResponse(id uint64, method string, result interface{}, timestampMillis uint64) ([]byte, error) {
	if result == nil {
		result = struct{}{}
	}
	return json.Marshal(map[string]interface{}{
		"res": []interface{}{id, method, result, timestampMillis},
	})
}

// ErrorBody is the payload of an error envelope.
type ErrorBody struct {
	ID      uint64 `json:"id"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Frame is a decoded inbound envelope.
type Frame struct {
	Kind      FrameKind
	ID        uint64
	Method    string
	Result    json.RawMessage
	Timestamp uint64
	Err       *ErrorBody
	Sig       []hexutil.Bytes
}

type inboundFrame struct {
	Res json.RawMessage `json:"res"`
	Err *ErrorBody      `json:"err"`
	Sig []hexutil.Bytes `json:"sig"`
}

// DecodeFrame parses an inbound envelope. Response frames whose method is "error" are reported as
// KindError and frames carrying a push method are reported as KindPush.
func DecodeFrame(data []byte) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if in.Err != nil {
		return Frame{Kind: KindError, ID: in.Err.ID, Method: MethodError, Err: in.Err, Sig: in.Sig}, nil
	}
	if len(in.Res) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(in.Res, &parts); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if len(parts) != 4 {
		return Frame{}, errors.Wrapf(ErrMalformedFrame, "res has %d elements, want 4", len(parts))
	}
	f := Frame{Kind: KindResponse, Result: parts[2], Sig: in.Sig}
	if err := json.Unmarshal(parts[0], &f.ID); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "id")
	}
	if err := json.Unmarshal(parts[1], &f.Method); err != nil || f.Method == "" {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "method")
	}
	if err := json.Unmarshal(parts[3], &f.Timestamp); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "timestamp")
	}

	switch {
	case f.Method == MethodError:
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(f.Result, &body); err != nil {
			return Frame{}, errors.Wrap(ErrMalformedFrame, "error result")
		}
		f.Kind = KindError
		f.Err = &ErrorBody{ID: f.ID, Message: body.Error}
	case IsPushMethod(f.Method):
		f.Kind = KindPush
	}
	return f, nil
}

// BigInt is a big integer transported as a decimal string.
type BigInt big.Int

// NewBigInt copies x.
func NewBigInt(x *big.Int) *BigInt {
	return (*BigInt)(new(big.Int).Set(x))
}

// Int returns the value as *big.Int.
func (b *BigInt) Int() *big.Int {
	if b == nil {
		return nil
	}
	return (*big.Int)(b)
}

// MarshalJSON encodes the integer as a quoted decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal((*big.Int)(b).String())
}

// UnmarshalJSON accepts a quoted decimal or hex string or a bare number.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	}
	x, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return errors.Errorf("invalid integer %q", s)
	}
	*b = BigInt(*x)
	return nil
}
