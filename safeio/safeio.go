// Package safeio holds input guards shared by the upload path: bounded
// response reads and validation of the names that end up in backend URLs.
package safeio

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("safeio: body exceeds limit")

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

// ValidateIndexName applies the Elasticsearch index naming rules: lowercase,
// at most 255 bytes, no leading '-', '_' or '+', not "." or "..", and none of
// the characters \ / * ? " < > | , # : or space.
func ValidateIndexName(s string) error {
	if s == "" {
		return fmt.Errorf("safeio: index name must not be empty")
	}
	if len(s) > 255 {
		return fmt.Errorf("safeio: index name too long (max 255)")
	}
	if s == "." || s == ".." {
		return fmt.Errorf("safeio: index name %q is reserved", s)
	}
	switch s[0] {
	case '-', '_', '+':
		return fmt.Errorf("safeio: index name must not start with %q", s[0])
	}
	if strings.ToLower(s) != s {
		return fmt.Errorf("safeio: index name %q must be lowercase", s)
	}
	if i := strings.IndexAny(s, `\/*?"<>|,#: `); i >= 0 {
		return fmt.Errorf("safeio: invalid character %q in index name", s[i])
	}
	return nil
}

// ValidateIdentifier accepts non-empty names made of letters, digits,
// underscore, hyphen and dot. Used for document type names.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("safeio: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("safeio: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("safeio: invalid character %q in identifier", r)
		}
	}
	return nil
}

// ValidateHost rejects host values that would change the shape of a URL
// built as scheme://host:port.
func ValidateHost(s string) error {
	if s == "" {
		return fmt.Errorf("safeio: host must not be empty")
	}
	if strings.Contains(s, "://") {
		return fmt.Errorf("safeio: host %q must not include a scheme", s)
	}
	if i := strings.IndexAny(s, "/?#@ \t\r\n"); i >= 0 {
		return fmt.Errorf("safeio: invalid character %q in host", s[i])
	}
	return nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}
