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
package bencode

import (
	"reflect"
	"sort"
	"strconv"
)

// Encoder writes the canonical bencode form of values: byte strings,
// signed integers, lists and dicts with bytewise-sorted keys.
type Encoder struct {
	w interface {
		WriteString(string) (int, error)
		WriteByte(byte) error
		Write([]byte) (int, error)
		Flush() error
	}
}

// Encode writes the bencoded form of v.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		return &MarshalTypeError{nil}
	}

	if m, ok := v.Interface().(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		_, werr := e.w.Write(b)
		return werr
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return &MarshalTypeError{v.Type()}
		}
		return e.encodeValue(v.Elem())
	case reflect.Bool:
		if v.Bool() {
			return e.writeInt(1)
		}
		return e.writeInt(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeUint(v.Uint())
	case reflect.String:
		return e.writeString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeBytes(v.Bytes())
		}
		return e.encodeList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.writeBytes(b)
		}
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return &MarshalTypeError{v.Type()}
	}
}

func (e *Encoder) writeInt(n int64) error {
	if _, err := e.w.WriteByte('i'); err != nil {
		return err
	}
	if _, err := e.w.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) writeUint(n uint64) error {
	if _, err := e.w.WriteByte('i'); err != nil {
		return err
	}
	if _, err := e.w.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) writeBytes(b []byte) error {
	if _, err := e.w.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := e.w.WriteByte(':'); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) writeString(s string) error {
	return e.writeBytes([]byte(s))
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if err := e.w.WriteByte('l'); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{v.Type()}
	}
	keys := v.MapKeys()
	skeys := make([]string, len(keys))
	byKey := make(map[string]reflect.Value, len(keys))
	for i, k := range keys {
		skeys[i] = k.String()
		byKey[skeys[i]] = k
	}
	sort.Strings(skeys)

	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	for _, sk := range skeys {
		if err := e.writeString(sk); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(byKey[sk])); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

type structField struct {
	key   string
	value reflect.Value
	omit  bool
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	t := v.Type()
	fields := make([]structField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Anonymous {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		name, opts := parseTag(tag)
		if name == "" {
			name = f.Name
		}
		fv := v.Field(i)
		if opts.contains("omitempty") && isEmptyValue(fv) {
			continue
		}
		fields = append(fields, structField{key: name, value: fv})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	if err := e.w.WriteByte('d'); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.writeString(f.key); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}
	return e.w.WriteByte('e')
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}
