// Package synth builds speech-synthesis requests and fetches the resulting
// audio from the hosted synthesis endpoint.
package synth

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultEndpoint is the hosted synthesis function used when no endpoint is
// configured.
const DefaultEndpoint = "https://xlt57x5dyt6ymnc7waumag2ywy0vluso.lambda-url.us-east-1.on.aws/"

// Params holds the fixed voice parameters sent with every synthesis request.
type Params struct {
	Endpoint string
	VoiceID  string
	Engine   string
	Tone     string
	Format   string
}

// DefaultParams returns the voice the application speaks with.
func DefaultParams() Params {
	return Params{
		Endpoint: DefaultEndpoint,
		VoiceID:  "Matthew",
		Engine:   "neural",
		Tone:     "healing",
		Format:   "mp3",
	}
}

// Validate checks that every parameter is set and the endpoint is an absolute
// http(s) URL.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Endpoint) == "" {
		return errors.New("synthesis endpoint is required")
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid synthesis endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("synthesis endpoint must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("synthesis endpoint %q has no host", p.Endpoint)
	}

	if p.VoiceID == "" {
		return errors.New("voice id is required")
	}
	if p.Engine == "" {
		return errors.New("engine is required")
	}
	if p.Tone == "" {
		return errors.New("tone is required")
	}
	if p.Format == "" {
		return errors.New("format is required")
	}
	return nil
}

// BuildURL returns the synthesis request URL for text. The text is sent as
// given; normalization only applies to cache keys.
func (p Params) BuildURL(text string) (string, error) {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid synthesis endpoint: %w", err)
	}

	q := u.Query()
	q.Set("text", text)
	q.Set("voiceId", p.VoiceID)
	q.Set("format", p.Format)
	q.Set("engine", p.Engine)
	q.Set("tone", p.Tone)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

var textParam = regexp.MustCompile(`(?i)text=[^&]*`)

// RedactURL hides the text parameter so request URLs can be logged.
func RedactURL(u string) string {
	return textParam.ReplaceAllString(u, "text=<omitted>")
}
