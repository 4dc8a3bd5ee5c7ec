package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// Field is one key/value pair of a Record.
type Field struct {
	Key   string
	Value string
}

// Record is an ordered key/value mapping decoded from the line-oriented text
// format. Keys are unique; setting an existing key keeps its position.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{index: make(map[string]int)}
}

// Get returns the value stored for key.
func (r *Record) Get(key string) (string, bool) {
	i, ok := r.index[key]
	if !ok {
		return "", false
	}
	return r.fields[i].Value, true
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.index[key]
	return ok
}

// Set stores value under key, appending the key if it is new.
func (r *Record) Set(key, value string) {
	if i, ok := r.index[key]; ok {
		r.fields[i].Value = value
		return
	}
	r.index[key] = len(r.fields)
	r.fields = append(r.fields, Field{Key: key, Value: value})
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Keys returns the keys in stored order.
func (r *Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Key
	}
	return keys
}

// Encode renders the record as "key|value\n" lines in stored order.
func (r *Record) Encode() []byte {
	var buf bytes.Buffer
	for _, f := range r.fields {
		buf.WriteString(f.Key)
		buf.WriteByte('|')
		buf.WriteString(f.Value)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// String renders the record for logs.
func (r *Record) String() string {
	return string(r.Encode())
}

// DecodeRecord parses text into a record. Lines are split on the first '|';
// carriage returns and NUL padding are dropped and blank lines skipped. A
// non-blank line with no separator fails with ErrMalformedRecord.
func DecodeRecord(b []byte) (*Record, error) {
	return decodeRecord(b, false)
}

// DecodeRecordLoose parses text like DecodeRecord but skips lines without a
// separator. The lookup response ends with such a marker line.
func DecodeRecordLoose(b []byte) *Record {
	rec, _ := decodeRecord(b, true)
	return rec
}

func decodeRecord(b []byte, loose bool) (*Record, error) {
	rec := NewRecord()
	text := strings.ReplaceAll(string(b), "\r", "")

	for n, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\x00")
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "|")
		if !ok {
			if loose {
				continue
			}
			return nil, fmt.Errorf("line %d %q: %w", n+1, line, ErrMalformedRecord)
		}
		rec.Set(key, value)
	}

	return rec, nil
}
