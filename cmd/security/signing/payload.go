package signing

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strconv"
	"time"
)

const (
	tagString = 's'
	tagInt    = 'i'
	tagTime   = 't'
	tagMap    = 'm'
	tagList   = 'l'
)

type field struct {
	tag   byte
	parts []string
}

// Payload is the set of named fields covered by a signature.
// Setting a name twice keeps the last value.
type Payload struct {
	fields map[string]field
}

// NewPayload returns an empty payload.
func NewPayload() *Payload {
	return &Payload{fields: make(map[string]field, 8)}
}

// String adds a string field.
func (p *Payload) String(name, v string) *Payload {
	p.fields[name] = field{tag: tagString, parts: []string{v}}
	return p
}

// Int adds an integer field.
func (p *Payload) Int(name string, v int64) *Payload {
	p.fields[name] = field{tag: tagInt, parts: []string{strconv.FormatInt(v, 10)}}
	return p
}

// Time adds a timestamp field at microsecond precision, which is what both
// Postgres and the SQLite stores preserve.
func (p *Payload) Time(name string, t time.Time) *Payload {
	p.fields[name] = field{tag: tagTime, parts: []string{strconv.FormatInt(t.UTC().UnixMicro(), 10)}}
	return p
}

// Map adds a string map. Entry order does not affect the encoding.
func (p *Payload) Map(name string, m map[string]string) *Payload {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		parts = append(parts, k, m[k])
	}
	p.fields[name] = field{tag: tagMap, parts: parts}
	return p
}

// List adds an ordered string list. Order is significant.
func (p *Payload) List(name string, vs []string) *Payload {
	parts := make([]string, len(vs))
	copy(parts, vs)
	p.fields[name] = field{tag: tagList, parts: parts}
	return p
}

// Bytes returns the canonical encoding.
func (p *Payload) Bytes() []byte {
	names := make([]string, 0, len(p.fields))
	for n := range p.fields {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, n := range names {
		f := p.fields[n]
		writeChunk(&buf, n)
		buf.WriteByte(f.tag)
		writeLen(&buf, len(f.parts))
		for _, part := range f.parts {
			writeChunk(&buf, part)
		}
	}
	return buf.Bytes()
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func writeChunk(buf *bytes.Buffer, s string) {
	writeLen(buf, len(s))
	buf.WriteString(s)
}
