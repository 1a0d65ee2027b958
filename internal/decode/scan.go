package decode

import (
	"fmt"
	"io"
)

// scanChunkSize is the read granularity of the array scanner. Object
// boundaries routinely span chunk reads; the scanner carries its state across
// them.
const scanChunkSize = 64 * 1024

// scanArray walks a bracketed-array artifact and hands each top-level object
// to deliver as a raw byte span plus its byte offset in the stream.
//
// It is an explicit state machine rather than a recursive parser: input
// arrives in arbitrarily sized chunks, so the cursor state (inside the outer
// array, inside a quoted string, escape lookahead, brace depth) must survive
// chunk boundaries. A candidate object starts at an unescaped '{' at depth 0
// relative to the array content and ends when the matching '}' returns the
// depth to 0.
//
// Memory stays bounded by one object's bytes plus the in-flight chunk,
// independent of total artifact size.
//
// The raw slice passed to deliver is reused between objects; deliver must not
// retain it.
func scanArray(r io.Reader, path string, deliver func(raw []byte, start int64) error) error {
	var (
		chunk = make([]byte, scanChunkSize)
		obj   []byte

		pos      int64 // absolute offset of the byte just consumed
		objStart int64

		inArray  bool
		inString bool
		escaped  bool
		depth    int
	)

	for {
		n, rerr := r.Read(chunk)

		for _, c := range chunk[:n] {
			pos++

			if !inArray {
				switch c {
				case '[':
					inArray = true
				case ' ', '\t', '\r', '\n':
				default:
					return &Error{Path: path, Offset: pos - 1, Err: fmt.Errorf("expected '[', found %q", c)}
				}
				continue
			}

			if depth == 0 {
				switch c {
				case '{':
					depth = 1
					objStart = pos - 1
					obj = append(obj[:0], c)
				case ']':
					// Outer array closed; anything after it is ignored.
					return nil
				default:
					// Separators, whitespace and bare literals (e.g. null
					// elements) between objects.
				}
				continue
			}

			obj = append(obj, c)

			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}

			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					if err := deliver(obj, objStart); err != nil {
						return err
					}
				}
			}
		}

		if rerr == io.EOF {
			if !inArray {
				return &Error{Path: path, Offset: pos, Err: fmt.Errorf("empty input, expected '['")}
			}
			if depth != 0 || inString {
				return &Error{Path: path, Offset: objStart, Err: fmt.Errorf("unexpected end of input inside object")}
			}
			return &Error{Path: path, Offset: pos, Err: fmt.Errorf("unexpected end of input, array not closed")}
		}
		if rerr != nil {
			return fmt.Errorf("decode: read %s: %w", path, rerr)
		}
	}
}
