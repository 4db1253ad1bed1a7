// Package message provides a structural MIME parser and serializer.
//
// The parser builds a tree of entities (leaf or multipart) from a raw
// header block plus body. Every node keeps the exact input bytes of its
// segments, so serializing a tree whose leaves were never modified
// reproduces the original message byte for byte. Malformed input yields
// an error rather than a partial tree.
package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// HeaderField is a single header field with folding already resolved
// in Value. Field order is preserved by the parser.
type HeaderField struct {
	Name  string
	Value string
}

// Entity is one node of the MIME tree. A leaf carries its raw body
// bytes; a multipart entity carries a boundary, a preamble, and an
// ordered list of exclusively owned child entities.
type Entity struct {
	Fields    []HeaderField
	MediaType string // lowercased media type, empty if none declared
	Params    map[string]string

	// Leaf content. Nil for multipart entities.
	Body []byte

	// Multipart structure.
	Boundary string
	Preamble []byte
	Parts    []*Entity

	// Raw segments retained for byte-stable serialization.
	rawHeader []byte   // header block including the terminating blank line
	delims    [][]byte // delimiter line preceding each part
	ends      [][]byte // line break separating each part from the next delimiter
	closing   []byte   // closing delimiter line and epilogue
}

// Parse parses a raw message (header block, blank line, body) into an
// entity tree.
func Parse(raw []byte) (*Entity, error) {
	return parseEntity(raw)
}

func parseEntity(raw []byte) (*Entity, error) {
	fields, rawHeader, body, err := parseHeaderBlock(raw)
	if err != nil {
		return nil, err
	}

	e := &Entity{Fields: fields, rawHeader: rawHeader}
	if ct, ok := e.Header("Content-Type"); ok {
		mt, params, err := mime.ParseMediaType(ct)
		if err != nil {
			// Only multipart structure depends on the content type;
			// anything else stays an opaque leaf.
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "multipart/") {
				return nil, fmt.Errorf("unparsable multipart content type %q: %w", ct, err)
			}
		} else {
			e.MediaType = strings.ToLower(mt)
			e.Params = params
		}
	}

	if strings.HasPrefix(e.MediaType, "multipart/") {
		boundary := e.Params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart content without boundary parameter")
		}
		e.Boundary = boundary
		if err := e.parseMultipart(body); err != nil {
			return nil, err
		}
		return e, nil
	}

	e.Body = body
	return e, nil
}

// parseHeaderBlock consumes header lines up to and including the blank
// line. It returns the parsed fields, the raw header block bytes, and
// the remaining body bytes.
func parseHeaderBlock(raw []byte) ([]HeaderField, []byte, []byte, error) {
	var fields []HeaderField
	off := 0
	for {
		if off >= len(raw) {
			return nil, nil, nil, errors.New("unterminated header block")
		}
		line, n := nextLine(raw[off:])
		content := trimEOL(line)
		if len(content) == 0 {
			off += n
			break
		}
		if content[0] == ' ' || content[0] == '\t' {
			if len(fields) == 0 {
				return nil, nil, nil, errors.New("header continuation before first field")
			}
			f := &fields[len(fields)-1]
			f.Value = f.Value + " " + string(bytes.TrimSpace(content))
			off += n
			continue
		}
		colon := bytes.IndexByte(content, ':')
		if colon <= 0 {
			return nil, nil, nil, fmt.Errorf("malformed header line %q", content)
		}
		name := content[:colon]
		if !validFieldName(name) {
			return nil, nil, nil, fmt.Errorf("invalid header field name %q", name)
		}
		fields = append(fields, HeaderField{
			Name:  string(name),
			Value: string(bytes.TrimSpace(content[colon+1:])),
		})
		off += n
	}
	return fields, raw[:off], raw[off:], nil
}

// parseMultipart splits a multipart body into preamble, delimited parts
// and the closing segment, recursing into each part.
func (e *Entity) parseMultipart(body []byte) error {
	open := "--" + e.Boundary
	closeDelim := open + "--"

	type bound struct {
		start, end int // line offsets within body
		closing    bool
	}
	var marks []bound
	for off := 0; off < len(body); {
		line, n := nextLine(body[off:])
		c := string(bytes.TrimRight(trimEOL(line), " \t"))
		if c == open || c == closeDelim {
			marks = append(marks, bound{start: off, end: off + n, closing: c == closeDelim})
			if c == closeDelim {
				break
			}
		}
		off += n
	}

	if len(marks) == 0 {
		return fmt.Errorf("multipart body missing boundary %q", e.Boundary)
	}
	last := marks[len(marks)-1]
	if !last.closing {
		return fmt.Errorf("multipart body missing closing boundary %q", e.Boundary)
	}

	e.Preamble = body[:marks[0].start]
	for i := 0; i < len(marks)-1; i++ {
		content := body[marks[i].end:marks[i+1].start]
		trimmed, end := trimTrailingEOL(content)
		part, err := parseEntity(trimmed)
		if err != nil {
			return fmt.Errorf("part %d: %w", i+1, err)
		}
		e.delims = append(e.delims, body[marks[i].start:marks[i].end])
		e.ends = append(e.ends, end)
		e.Parts = append(e.Parts, part)
	}
	e.closing = body[last.start:]
	return nil
}

// Bytes serializes the entity tree. For a tree whose leaves were never
// modified the result is byte-identical to the parsed input.
func (e *Entity) Bytes() []byte {
	var buf bytes.Buffer
	e.writeTo(&buf)
	return buf.Bytes()
}

func (e *Entity) writeTo(buf *bytes.Buffer) {
	buf.Write(e.rawHeader)
	if e.Boundary == "" {
		buf.Write(e.Body)
		return
	}
	buf.Write(e.Preamble)
	for i, part := range e.Parts {
		buf.Write(e.delims[i])
		part.writeTo(buf)
		buf.Write(e.ends[i])
	}
	buf.Write(e.closing)
}

// Header returns the value of the first field with the given name,
// matched case-insensitively.
func (e *Entity) Header(name string) (string, bool) {
	for _, f := range e.Fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// IsMultipart reports whether the entity has multipart structure.
func (e *Entity) IsMultipart() bool {
	return e.Boundary != ""
}

// FindPart walks the tree depth-first, the entity itself included, and
// returns the first entity matching the predicate, or nil.
func (e *Entity) FindPart(match func(*Entity) bool) *Entity {
	if match(e) {
		return e
	}
	for _, part := range e.Parts {
		if found := part.FindPart(match); found != nil {
			return found
		}
	}
	return nil
}

// DecodedBody returns the leaf body with its Content-Transfer-Encoding
// undone. Only base64 needs actual decoding; 7bit, 8bit, binary and an
// absent header pass the raw bytes through.
func (e *Entity) DecodedBody() ([]byte, error) {
	if e.IsMultipart() {
		return nil, errors.New("multipart entity has no decodable body")
	}
	enc, _ := e.Header("Content-Transfer-Encoding")
	switch strings.ToLower(strings.TrimSpace(enc)) {
	case "base64":
		cleaned := strings.Map(dropSpace, string(e.Body))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			// Retry unpadded input before giving up.
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("decode base64 body: %w", err)
			}
		}
		return decoded, nil
	default:
		return e.Body, nil
	}
}

func dropSpace(r rune) rune {
	switch r {
	case '\r', '\n', ' ', '\t':
		return -1
	}
	return r
}

// nextLine returns the first line of b including its terminator, and
// the number of bytes consumed.
func nextLine(b []byte) ([]byte, int) {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i+1], i + 1
	}
	return b, len(b)
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}

// trimTrailingEOL removes exactly one trailing line break, returning
// the trimmed slice and the removed bytes. The break before a boundary
// delimiter belongs to the delimiter, not the part.
func trimTrailingEOL(b []byte) ([]byte, []byte) {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2], b[len(b)-2:]
	}
	if bytes.HasSuffix(b, []byte("\n")) {
		return b[:len(b)-1], b[len(b)-1:]
	}
	return b, nil
}

func validFieldName(name []byte) bool {
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
