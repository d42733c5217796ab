package main

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMD5KnownVectors(t *testing.T) {
	tests := map[string]string{
		"":    "d41d8cd98f00b204e9800998ecf8427e",
		"a":   "0cc175b9c0f1b6a831c399e269772661",
		"abc": "900150983cd24fb0d6963f7d28e17f72",
		"The quick brown fox jumps over the lazy dog": "9e107d9d372bb6826bd81d3542a419d6",
		"12345678901234567890123456789012345678901234567890123456789012345678901234567890": "57edf4a22be3c955ac49da2e2107b67a",
	}
	for in, want := range tests {
		assert.Equal(t, want, md5Hex(in), "md5(%q)", in)
	}
}

func TestMD5MatchesStdlibAcrossBlockBoundaries(t *testing.T) {
	for n := 0; n < 200; n++ {
		in := strings.Repeat("z", n) + "签名"
		sum := md5.Sum([]byte(in))
		assert.Equal(t, hex.EncodeToString(sum[:]), md5Hex(in), "length %d", n)
	}
}
