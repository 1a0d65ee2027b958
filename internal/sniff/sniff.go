// Package sniff classifies downloaded catalog artifacts by inspecting a small
// fixed prefix. It deliberately does not parse the artifact: malformed files
// are only caught later, during decode.
package sniff

import (
	"fmt"
	"io"
	"os"
)

// Format is the wire layout of a catalog artifact.
type Format string

const (
	// FormatArray is a single bracketed JSON array of objects.
	FormatArray Format = "array"

	// FormatLines is line-delimited JSON: one object per non-blank line.
	FormatLines Format = "lines"
)

// prefixSize is how much of the file Detect is allowed to read.
const prefixSize = 4096

// UnknownFormatError reports an artifact whose leading prefix matches no
// supported layout.
type UnknownFormatError struct {
	Path string

	// First is the first non-whitespace byte, or 0 when the prefix contained
	// only whitespace (or the file was empty).
	First byte
}

func (e *UnknownFormatError) Error() string {
	if e.First == 0 {
		return fmt.Sprintf("sniff: %s: no content in leading prefix", e.Path)
	}
	return fmt.Sprintf("sniff: %s: unsupported leading byte %q", e.Path, e.First)
}

// Detect classifies the artifact at path.
//
// Heuristic:
//   - first non-whitespace byte '[' -> FormatArray
//   - first non-whitespace byte '{' -> FormatLines
//   - anything else -> *UnknownFormatError
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sniff: %w", err)
	}
	defer f.Close()

	buf := make([]byte, prefixSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("sniff: read %s: %w", path, err)
	}

	for _, c := range buf[:n] {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return FormatArray, nil
		case '{':
			return FormatLines, nil
		default:
			return "", &UnknownFormatError{Path: path, First: c}
		}
	}
	return "", &UnknownFormatError{Path: path}
}
