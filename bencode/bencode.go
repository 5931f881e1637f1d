// Package bencode implements a small recursive-descent codec for the
// bencoding format used by .torrent files and the BitTorrent wire
// protocol (BEP-3).
//
// This is a second, independent codec from github.com/jackpal/bencode-go:
// that library maps bencoded dicts onto tagged Go structs, which is the
// right tool for decoding a whole .torrent file. This package instead
// works with a generic Value tree and exposes RawValue, which returns the
// exact byte span of a key's value without re-encoding anything — needed
// because info_hash is the SHA-1 of the info dict exactly as it appeared
// on the wire, and because the BEP-10 extension dicts have no fixed
// schema (their key set depends on what the peer negotiated).
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/lvbealr/leechgo/bterrors"
)

// Kind identifies which bencoded shape a Value holds.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencoded value. Only the field matching Kind is
// meaningful.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []Value
	Dict *Dict
}

// Dict is an insertion-ordered mapping with byte-string keys. Decode
// preserves parse order; Encode always emits ascending lexicographic key
// order per BEP-3 regardless of insertion order.
type Dict struct {
	keys   []string
	values map[string]Value
}

// NewDict returns an empty Dict ready for Set.
func NewDict() *Dict {
	return &Dict{values: make(map[string]Value)}
}

// Set inserts or overwrites key's value, preserving first-insertion order
// for keys seen for the first time.
func (d *Dict) Set(key string, v Value) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in the order they were first inserted (i.e. parse
// order for a decoded Dict).
func (d *Dict) Keys() []string {
	return d.keys
}

// Int wraps an integer as a Value.
func Int(n int64) Value { return Value{Kind: KindInt, Int: n} }

// String wraps a byte string as a Value.
func String(b []byte) Value { return Value{Kind: KindString, Str: b} }

// List wraps a list as a Value.
func List(vs []Value) Value { return Value{Kind: KindList, List: vs} }

// FromDict wraps a Dict as a Value.
func FromDict(d *Dict) Value { return Value{Kind: KindDict, Dict: d} }

// Decode parses a single bencoded value from the start of input and
// requires that it consume the entire byte slice.
func Decode(input []byte) (Value, error) {
	v, pos, err := parse(input, 0)
	if err != nil {
		return Value{}, err
	}
	if pos != len(input) {
		return Value{}, &bterrors.ParseError{Context: "trailing data after top-level value"}
	}
	return v, nil
}

// DecodePrefix parses a single bencoded value starting at pos and returns
// the position immediately after it, without requiring the rest of input
// to be consumed. Used by the extension protocol, where a bencoded dict
// is followed by raw piece bytes.
func DecodePrefix(input []byte, pos int) (Value, int, error) {
	return parse(input, pos)
}

func parse(input []byte, pos int) (Value, int, error) {
	if pos >= len(input) {
		return Value{}, 0, &bterrors.ParseError{Context: "unexpected end of input"}
	}
	switch {
	case input[pos] == 'i':
		return parseInt(input, pos)
	case input[pos] == 'l':
		return parseList(input, pos)
	case input[pos] == 'd':
		return parseDict(input, pos)
	case input[pos] >= '0' && input[pos] <= '9':
		return parseString(input, pos)
	default:
		return Value{}, 0, &bterrors.ParseError{Context: fmt.Sprintf("unexpected byte %q at %d", input[pos], pos)}
	}
}

func parseInt(input []byte, pos int) (Value, int, error) {
	end := bytes.IndexByte(input[pos:], 'e')
	if end < 0 {
		return Value{}, 0, &bterrors.ParseError{Context: "unterminated integer"}
	}
	end += pos
	// Accept leading zeros by design: this deviates from strict BEP-3 but
	// matches real-world torrents in the wild.
	n, err := strconv.ParseInt(string(input[pos+1:end]), 10, 64)
	if err != nil {
		return Value{}, 0, &bterrors.ParseError{Context: "invalid integer", Err: err}
	}
	return Int(n), end + 1, nil
}

func parseString(input []byte, pos int) (Value, int, error) {
	sep := bytes.IndexByte(input[pos:], ':')
	if sep < 0 {
		return Value{}, 0, &bterrors.ParseError{Context: "missing ':' in string length"}
	}
	sep += pos
	length, err := strconv.Atoi(string(input[pos:sep]))
	if err != nil || length < 0 {
		return Value{}, 0, &bterrors.ParseError{Context: "invalid string length", Err: err}
	}
	start := sep + 1
	end := start + length
	if end > len(input) {
		return Value{}, 0, &bterrors.ParseError{Context: "string runs past end of input"}
	}
	return String(input[start:end]), end, nil
}

func parseList(input []byte, pos int) (Value, int, error) {
	pos++
	var items []Value
	for {
		if pos >= len(input) {
			return Value{}, 0, &bterrors.ParseError{Context: "unterminated list"}
		}
		if input[pos] == 'e' {
			return List(items), pos + 1, nil
		}
		v, next, err := parse(input, pos)
		if err != nil {
			return Value{}, 0, err
		}
		items = append(items, v)
		pos = next
	}
}

func parseDict(input []byte, pos int) (Value, int, error) {
	pos++
	d := NewDict()
	for {
		if pos >= len(input) {
			return Value{}, 0, &bterrors.ParseError{Context: "unterminated dict"}
		}
		if input[pos] == 'e' {
			return FromDict(d), pos + 1, nil
		}
		keyVal, next, err := parseString(input, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos = next
		v, next, err := parse(input, pos)
		if err != nil {
			return Value{}, 0, err
		}
		d.Set(string(keyVal.Str), v)
		pos = next
	}
}

// Encode serializes v back into its bencoded byte form. Dict keys are
// always emitted in ascending lexicographic byte order per BEP-3.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindString:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.Write(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := append([]string(nil), v.Dict.Keys()...)
		sort.Strings(keys)
		for _, k := range keys {
			val, _ := v.Dict.Get(k)
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encode(buf, val)
		}
		buf.WriteByte('e')
	}
}

// RawValue returns the exact bencoded byte span of key's value inside the
// top-level dict encoded in data. This is the only way to recover
// info_hash correctly: re-encoding the decoded info dict is not
// guaranteed to reproduce the original bytes (e.g. a torrent file with
// non-canonical key order, or fields our Value tree does not model).
func RawValue(data []byte, key []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, &bterrors.ParseError{Context: "RawValue: not a dict"}
	}
	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		keyVal, next, err := parseString(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		valueStart := pos
		_, valueEnd, err := parse(data, pos)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(keyVal.Str, key) {
			return data[valueStart:valueEnd], nil
		}
		pos = valueEnd
	}
	return nil, &bterrors.ParseError{Context: fmt.Sprintf("RawValue: key %q not found", key)}
}
