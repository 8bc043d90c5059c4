package sandbox

import (
	_ "embed"
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// prelude installs the emulated browser globals. It runs once per engine
// build, after the engine has exposed the native decoder under decodeHook.
//
//go:embed prelude.js
var prelude string

const (
	preludeName = "prelude.js"
	decodeHook  = "__jsboxDecodeBase64"
)

// decodeBase64 implements the forgiving base64 decode used by atob. The bytes
// are read as UTF-8 text when valid, otherwise one character per byte the way
// browsers build a binary string.
func decodeBase64(s string) (string, bool) {
	data := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\f', '\r':
			return -1
		}
		return r
	}, s)
	if len(data)%4 == 0 {
		for i := 0; i < 2 && strings.HasSuffix(data, "="); i++ {
			data = data[:len(data)-1]
		}
	}
	if len(data)%4 == 1 {
		return "", false
	}
	raw, err := base64.RawStdEncoding.DecodeString(data)
	if err != nil {
		return "", false
	}
	if utf8.Valid(raw) {
		return string(raw), true
	}
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return string(runes), true
}
