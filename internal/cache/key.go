package cache

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/dgnsrekt/ttscache/internal/synth"
)

// KeyVersion is mixed into every cache key. Bump it to orphan all entries
// written by an incompatible build.
const KeyVersion = 1

// NormalizeText trims text and collapses internal whitespace runs to a single
// space, so "Hello   world" and "Hello world" share one entry.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// DeriveKey fingerprints a synthesis request as 8 lowercase hex digits
// (FNV-1a, 32 bit). Every voice parameter and the endpoint take part in the
// key, so changing any of them yields a different entry.
func DeriveKey(text string, p synth.Params) string {
	canonical := strings.Join([]string{
		"tts-v" + strconv.Itoa(KeyVersion),
		"base=" + p.Endpoint,
		"voice=" + p.VoiceID,
		"engine=" + p.Engine,
		"tone=" + p.Tone,
		"format=" + p.Format,
		"text=" + NormalizeText(text),
	}, "|")

	h := fnv.New32a()
	_, _ = h.Write([]byte(canonical))
	return fmt.Sprintf("%08x", h.Sum32())
}
