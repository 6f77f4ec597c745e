package synth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestParams_BuildURL(t *testing.T) {
	p := DefaultParams()
	p.Endpoint = "https://tts.example.com/speak"

	got, err := p.BuildURL("Hello   World")
	if err != nil {
		t.Fatalf("BuildURL failed: %v", err)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("BuildURL returned unparsable URL %q: %v", got, err)
	}

	if u.Host != "tts.example.com" || u.Path != "/speak" {
		t.Errorf("unexpected endpoint in %q", got)
	}

	want := map[string]string{
		"text":    "Hello   World",
		"voiceId": "Matthew",
		"format":  "mp3",
		"engine":  "neural",
		"tone":    "healing",
	}
	q := u.Query()
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("query %s: got %q, want %q", k, q.Get(k), v)
		}
	}

	again, _ := p.BuildURL("Hello   World")
	if again != got {
		t.Errorf("BuildURL not deterministic: %q vs %q", got, again)
	}
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr bool
	}{
		{"defaults", func(*Params) {}, false},
		{"empty endpoint", func(p *Params) { p.Endpoint = "  " }, true},
		{"relative endpoint", func(p *Params) { p.Endpoint = "/speak" }, true},
		{"ftp endpoint", func(p *Params) { p.Endpoint = "ftp://example.com" }, true},
		{"missing voice", func(p *Params) { p.VoiceID = "" }, true},
		{"missing engine", func(p *Params) { p.Engine = "" }, true},
		{"missing tone", func(p *Params) { p.Tone = "" }, true},
		{"missing format", func(p *Params) { p.Format = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("https://x.test/?engine=neural&text=secret+words&tone=healing")
	if strings.Contains(got, "secret") {
		t.Errorf("text leaked: %s", got)
	}
	if !strings.Contains(got, "text=<omitted>") || !strings.Contains(got, "tone=healing") {
		t.Errorf("unexpected redaction: %s", got)
	}
}

func TestFetchError(t *testing.T) {
	err := error(&FetchError{StatusCode: 500, ContentType: ""})
	if !errors.Is(err, ErrNotAudio) {
		t.Error("FetchError should match ErrNotAudio")
	}
	if !strings.Contains(err.Error(), "HTTP 500") || !strings.Contains(err.Error(), "<none>") {
		t.Errorf("unexpected message: %s", err)
	}

	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 500 {
		t.Error("errors.As should recover the status code")
	}
}

func TestIsAudioContentType(t *testing.T) {
	tests := map[string]bool{
		"audio/mpeg":               true,
		"Audio/MPEG":               true,
		"audio/ogg; codecs=opus":   true,
		"application/json":         false,
		"text/html; charset=utf-8": false,
		"":                         false,
	}
	for ct, want := range tests {
		if got := IsAudioContentType(ct); got != want {
			t.Errorf("IsAudioContentType(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"missing text"}`)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "ID3-audio")
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{RequestsPerMinute: 6000})

	resp, err := client.Fetch(context.Background(), srv.URL+"/?text=hi")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if !resp.OK() || resp.ContentType != "audio/mpeg" || string(body) != "ID3-audio" {
		t.Errorf("unexpected response: status=%d ct=%q body=%q", resp.StatusCode, resp.ContentType, body)
	}

	resp, err = client.Fetch(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.OK() || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestClient_FetchCancelled(t *testing.T) {
	client := NewClient(ClientConfig{RequestsPerMinute: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.Fetch(ctx, "http://127.0.0.1:0/"); err == nil {
		t.Error("expected error for cancelled context")
	}
}
