package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agenthost/agenthost/internal/common/logger"
	"github.com/agenthost/agenthost/pkg/opencode"
)

// newOpenCodeTestServer fakes the relevant opencode endpoints: health,
// session create, SSE events, prompt, abort. Events flow on the SSE stream
// after the prompt arrives.
func newOpenCodeTestServer(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	promptCh := make(chan struct{}, 1)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/global/health"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"healthy":true,"version":"test"}`)

		case r.URL.Path == "/session" && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"sess-1"}`)

		case strings.HasPrefix(r.URL.Path, "/event"):
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			// Persistent stream: replay the scripted events once per prompt.
			for {
				select {
				case <-promptCh:
					for _, e := range events {
						fmt.Fprintf(w, "data: %s\n\n", e)
						flusher.Flush()
					}
				case <-r.Context().Done():
					return
				}
			}

		case strings.HasSuffix(r.URL.Path, "/message") && r.Method == http.MethodPost:
			select {
			case promptCh <- struct{}{}:
			default:
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"info":{},"parts":[]}`)

		case strings.HasSuffix(r.URL.Path, "/abort"):
			w.WriteHeader(http.StatusOK)

		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
}

func newTestOpenCode(t *testing.T, server *httptest.Server) *OpenCode {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	client := opencode.NewClient(server.URL, "/workspace", "test-password", log)
	r := NewOpenCode(OpenCodeOptions{Client: client, Logger: log})
	t.Cleanup(r.Close)
	return r
}

func TestOpenCodeRunStreamsUntilIdle(t *testing.T) {
	events := []string{
		`{"type":"message.updated","properties":{"info":{"id":"msg-1","sessionID":"sess-1","role":"assistant"}}}`,
		`{"type":"message.part.updated","properties":{"part":{"id":"prt-1","type":"text","messageID":"msg-1","sessionID":"sess-1","text":"hello"}}}`,
		`{"type":"session.idle","properties":{"sessionID":"sess-1"}}`,
	}
	server := newOpenCodeTestServer(t, events)
	defer server.Close()

	r := newTestOpenCode(t, server)

	var mu sync.Mutex
	var raws []json.RawMessage
	sink := func(raw json.RawMessage) {
		mu.Lock()
		raws = append(raws, raw)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := r.Run(ctx, "hello", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitStatus != StatusSuccess {
		t.Errorf("exit status = %q, want success", res.ExitStatus)
	}
	if r.SessionID() != "sess-1" {
		t.Errorf("vendor session = %q, want sess-1", r.SessionID())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(raws) != 3 {
		t.Fatalf("sink received %d events, want 3 (idle included)", len(raws))
	}
	for i, raw := range raws {
		if !json.Valid(raw) {
			t.Errorf("event %d is not valid JSON", i)
		}
	}
}

func TestOpenCodeReusesVendorSession(t *testing.T) {
	events := []string{
		`{"type":"session.idle","properties":{"sessionID":"sess-1"}}`,
	}
	server := newOpenCodeTestServer(t, events)
	defer server.Close()

	r := newTestOpenCode(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.Run(ctx, "first", func(json.RawMessage) {}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	first := r.SessionID()

	if _, err := r.Run(ctx, "second", func(json.RawMessage) {}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if r.SessionID() != first {
		t.Errorf("vendor session changed between queries: %q -> %q", first, r.SessionID())
	}
}

func TestOpenCodeResumesExistingSession(t *testing.T) {
	server := newOpenCodeTestServer(t, []string{
		`{"type":"session.idle","properties":{"sessionID":"sess-preset"}}`,
	})
	defer server.Close()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	client := opencode.NewClient(server.URL, "/workspace", "test-password", log)
	r := NewOpenCode(OpenCodeOptions{Client: client, SessionID: "sess-preset", Logger: log})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.Run(ctx, "resume", func(json.RawMessage) {}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.SessionID() != "sess-preset" {
		t.Errorf("vendor session = %q, want sess-preset", r.SessionID())
	}
}
