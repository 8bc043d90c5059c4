package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddr(t *testing.T) {
	for in, want := range map[string]string{
		"127.0.0.1:8000": "127.0.0.1:8000",
		"0.0.0.0:8000":   "localhost:8000",
		"[::]:8000":      "localhost:8000",
		"[::1]:8000":     "[::1]:8000",
		"localhost:8000": "localhost:8000",
		"garbage":        "garbage",
	} {
		assert.Equal(t, want, normalizeAddr(in), in)
	}
}
