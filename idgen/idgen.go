// Package idgen produces identifiers for request tracing and log correlation.
package idgen

import "github.com/google/uuid"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every id from gen, e.g. "trc_".
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Short returns the last n hex characters of gen's output with dashes
// removed. UUIDv7 keeps its random bits at the end, so the suffix stays
// unique enough for a single process' log lines.
func Short(n int, gen Generator) Generator {
	return func() string {
		id := gen()
		hex := make([]byte, 0, len(id))
		for i := 0; i < len(id); i++ {
			if id[i] != '-' {
				hex = append(hex, id[i])
			}
		}
		if n <= 0 || n >= len(hex) {
			return string(hex)
		}
		return string(hex[len(hex)-n:])
	}
}
