// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package bencode implements the bencode serialization format (BEP 3):
// integers, byte strings, lists and dictionaries with bytewise-sorted
// keys. Decoding preserves byte-strings as raw bytes and, via RawValue,
// exposes the exact byte range a value occupied so that e.g. an info
// dictionary can be SHA-1'd without being re-encoded.
package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"reflect"
)

//----------------------------------------------------------------------------
// Errors
//----------------------------------------------------------------------------

// MarshalTypeError is returned when the marshaler cannot encode a type.
// Typical example: float32/float64, which has no bencode representation.
type MarshalTypeError struct {
	Type reflect.Type
}

func (e *MarshalTypeError) Error() string {
	return "bencode: unsupported type: " + e.Type.String()
}

// UnmarshalInvalidArgError is returned when Unmarshal's argument is not a
// non-nil pointer.
type UnmarshalInvalidArgError struct {
	Type reflect.Type
}

func (e *UnmarshalInvalidArgError) Error() string {
	if e.Type == nil {
		return "bencode: Unmarshal(nil)"
	}
	if e.Type.Kind() != reflect.Ptr {
		return "bencode: Unmarshal(non-pointer " + e.Type.String() + ")"
	}
	return "bencode: Unmarshal(nil " + e.Type.String() + ")"
}

// UnmarshalTypeError is returned when a decoded value is not appropriate
// for the destination Go value.
type UnmarshalTypeError struct {
	Value string
	Type  reflect.Type
}

func (e *UnmarshalTypeError) Error() string {
	return "bencode: value (" + e.Value + ") is not appropriate for type: " +
		e.Type.String()
}

// UnmarshalFieldError is returned when a key would decode into an
// unexported (and therefore unwritable) struct field.
type UnmarshalFieldError struct {
	Key   string
	Type  reflect.Type
	Field reflect.StructField
}

func (e *UnmarshalFieldError) Error() string {
	return "bencode: key \"" + e.Key + "\" led to an unexported field \"" +
		e.Field.Name + "\" in type: " + e.Type.String()
}

// ErrKind classifies a SyntaxError per the failure taxonomy of the bencode
// component: unexpected end of input, a malformed integer or string
// length, an out-of-order or repeated dict key, or unconsumed trailing
// bytes after a complete top-level value.
type ErrKind int

const (
	// UnexpectedEOF indicates the input ended mid-value.
	UnexpectedEOF ErrKind = iota
	// BadNumber indicates a malformed integer or string-length field
	// (leading zeros, a bare "-0", or non-digit characters).
	BadNumber
	// DuplicateOrUnorderedKey indicates a dict key that repeats or is not
	// bytewise greater than the previous key.
	DuplicateOrUnorderedKey
	// TrailingGarbage indicates bytes remained after a complete top-level
	// value was decoded.
	TrailingGarbage
	// Other covers any other malformed input (bad type tag, non-string
	// dict key, and so on).
	Other
)

// SyntaxError reports malformed bencode input.
type SyntaxError struct {
	Offset int64
	Kind   ErrKind
	What   error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: syntax error (offset: %d): %s", e.Offset, e.What)
}

// MarshalerError wraps a non-nil error returned by MarshalBencode.
type MarshalerError struct {
	Type reflect.Type
	Err  error
}

func (e *MarshalerError) Error() string {
	return "bencode: error calling MarshalBencode for type " + e.Type.String() + ": " + e.Err.Error()
}

// UnmarshalerError wraps a non-nil error returned by UnmarshalBencode.
type UnmarshalerError struct {
	Type reflect.Type
	Err  error
}

func (e *UnmarshalerError) Error() string {
	return "bencode: error calling UnmarshalBencode for type " + e.Type.String() + ": " + e.Err.Error()
}

//----------------------------------------------------------------------------
// Interfaces
//----------------------------------------------------------------------------

// Marshaler is implemented by types that encode themselves to bencode.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// Unmarshaler is implemented by types that decode themselves from bencode.
type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

// RawValue holds the exact, unmodified bencoded bytes of a value, captured
// during decode rather than re-encoded — used to SHA-1 an info dictionary
// as it originally appeared on the wire.
type RawValue []byte

// UnmarshalBencode implements Unmarshaler by copying the raw encoded bytes.
func (r *RawValue) UnmarshalBencode(b []byte) error {
	*r = append([]byte(nil), b...)
	return nil
}

// MarshalBencode implements Marshaler by emitting the stored bytes verbatim.
func (r RawValue) MarshalBencode() ([]byte, error) {
	return []byte(r), nil
}

// Marshal encodes v to its canonical bencode form: integers as i<N>e, byte
// strings as <len>:<bytes>, lists as l...e, and dicts as d...e with keys
// sorted bytewise ascending.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	e := Encoder{w: bufio.NewWriter(&buf)}
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes the bencoded data into v, which must be a non-nil
// pointer. Returns a *SyntaxError{Kind: TrailingGarbage} if data contains
// bytes after the decoded value.
func Unmarshal(data []byte, v interface{}) error {
	d := Decoder{r: bytes.NewBuffer(data)}
	if err := d.Decode(v); err != nil {
		return err
	}
	if _, err := d.r.ReadByte(); err != io.EOF {
		return &SyntaxError{Offset: d.offset, Kind: TrailingGarbage, What: fmt.Errorf("trailing data after top-level value")}
	}
	return nil
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}
