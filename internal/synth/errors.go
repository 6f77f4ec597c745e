package synth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotAudio is matched by every FetchError.
var ErrNotAudio = errors.New("synthesis response is not audio")

// FetchError reports a synthesis response that cannot be cached, either
// because the status was not a success or the body was not audio.
type FetchError struct {
	StatusCode  int
	ContentType string
}

func (e *FetchError) Error() string {
	ct := e.ContentType
	if ct == "" {
		ct = "<none>"
	}
	return fmt.Sprintf("TTS fetch not audio: HTTP %d, content-type=%s", e.StatusCode, ct)
}

// Is reports whether target is ErrNotAudio.
func (e *FetchError) Is(target error) bool {
	return target == ErrNotAudio
}

// IsAudioContentType reports whether a content type header describes audio.
func IsAudioContentType(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "audio")
}
