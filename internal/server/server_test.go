package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valet-ai/valet/internal/bus"
	"github.com/valet-ai/valet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// answerWebQueries resolves every web query with result or err, standing
// in for the pipeline.
func answerWebQueries(b *bus.Bus, result domain.Result, err error) *queryLog {
	log := &queryLog{}
	b.On(bus.KindWebQuery, func(ctx context.Context, ev bus.Event) error {
		q := ev.(*bus.Query)
		log.add(q)
		if err != nil {
			b.Emit(ctx, &bus.ReplyError{ErrKind: q.ErrorKind, Err: err, Metadata: q.Metadata})
			return nil
		}
		b.Emit(ctx, &bus.Reply{ReplyKind: q.ReplyKind, Result: result, Metadata: q.Metadata})
		return nil
	})
	return log
}

type queryLog struct {
	mu      sync.Mutex
	queries []bus.Query
}

func (l *queryLog) add(q *bus.Query) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, *q)
}

func (l *queryLog) all() []bus.Query {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bus.Query(nil), l.queries...)
}

func newTestServer(t *testing.T, b *bus.Bus) *Server {
	t.Helper()
	t.Cleanup(b.Close)
	return New(Config{
		Port:              0,
		RequestTimeout:    2 * time.Second,
		VoiceCacheBaseKey: "voice",
		VoiceCacheTTL:     600,
	}, b, testLogger())
}

func TestPromptRespondsWithPipelineReply(t *testing.T) {
	b := bus.New(testLogger())
	log := answerWebQueries(b, domain.TextResult("sunny today"), nil)
	s := newTestServer(t, b)

	req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(`{"query":"weather?"}`))
	req.Header.Set(deviceIDHeader, "echo-kitchen")
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp promptResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Response != "sunny today" {
		t.Errorf("response = %q", resp.Response)
	}

	queries := log.all()
	if len(queries) != 1 {
		t.Fatalf("emitted %d queries", len(queries))
	}
	q := queries[0]
	if q.Data.ID != "echo-kitchen" || q.Data.Name != voiceRequesterName || q.Data.Input != "weather?" {
		t.Errorf("query data = %+v", q.Data)
	}
	if q.Source != domain.SourceVoice {
		t.Errorf("source = %s", q.Source)
	}
	if q.Cache.BaseKey != "voice" || q.Cache.TTLSeconds != 600 {
		t.Errorf("cache override = %+v", q.Cache)
	}
}

func TestPromptGeneratesDeviceIDWhenHeaderMissing(t *testing.T) {
	b := bus.New(testLogger())
	log := answerWebQueries(b, domain.TextResult("ok"), nil)
	s := newTestServer(t, b)

	req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	queries := log.all()
	if len(queries) != 1 || queries[0].Data.ID == "" {
		t.Errorf("expected a generated device id, got %+v", queries)
	}
}

func TestPromptRejectsEmptyQuery(t *testing.T) {
	b := bus.New(testLogger())
	s := newTestServer(t, b)

	for _, body := range []string{`{}`, `{"query":""}`, `not json`} {
		req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(body))
		rec := httptest.NewRecorder()
		s.Router.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestPromptReportsUpstreamFailure(t *testing.T) {
	b := bus.New(testLogger())
	answerWebQueries(b, domain.Result{}, errors.New("provider down"))
	s := newTestServer(t, b)

	req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestPromptFallbackReplyReportsFailure(t *testing.T) {
	b := bus.New(testLogger())
	b.On(bus.KindWebQuery, func(ctx context.Context, ev bus.Event) error {
		q := ev.(*bus.Query)
		b.Emit(ctx, &bus.Reply{
			ReplyKind: q.ReplyKind,
			Result:    domain.TextResult("Error 💀"),
			Failed:    true,
			Metadata:  q.Metadata,
		})
		return nil
	})
	s := newTestServer(t, b)

	req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "Error 💀") {
		t.Errorf("fallback text leaked into the response: %s", rec.Body.String())
	}
}

func TestPromptFailureIs502WhicheverTerminalArrivesFirst(t *testing.T) {
	b := bus.New(testLogger())
	boom := errors.New("provider down")
	b.On(bus.KindWebQuery, func(ctx context.Context, ev bus.Event) error {
		q := ev.(*bus.Query)
		// Fallback reply first, error event second. The response must be
		// a 502 either way.
		b.Emit(ctx, &bus.Reply{
			ReplyKind: q.ReplyKind,
			Result:    domain.TextResult("Error 💀"),
			Failed:    true,
			Metadata:  q.Metadata,
		})
		b.Emit(ctx, &bus.ReplyError{ErrKind: q.ErrorKind, Err: boom, Metadata: q.Metadata})
		return nil
	})
	s := newTestServer(t, b)

	req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestPromptTimesOutWithoutReply(t *testing.T) {
	b := bus.New(testLogger())
	// No query handler: the reply never arrives.
	s := New(Config{RequestTimeout: 50 * time.Millisecond}, b, testLogger())
	t.Cleanup(b.Close)

	req := httptest.NewRequest("POST", "/alexa/prompt", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestRemindersFanOutAsAssistantQueries(t *testing.T) {
	b := bus.New(testLogger())
	log := &queryLog{}
	b.On(bus.KindAssistantQuery, func(_ context.Context, ev bus.Event) error {
		log.add(ev.(*bus.Query))
		return nil
	})
	s := newTestServer(t, b)

	body := `[
		{"targetId":"chan1","userName":"Ann","prompt":"water the plants","description":"every monday"},
		{"targetId":"chan2","userName":"Bob","prompt":"standup","description":""}
	]`
	req := httptest.NewRequest("POST", "/reminders", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	b.Drain()

	queries := log.all()
	if len(queries) != 2 {
		t.Fatalf("emitted %d queries, want 2", len(queries))
	}
	first := queries[0]
	if first.Data.ID != "chan1" || first.Data.Name != "Ann" {
		t.Errorf("first query data = %+v", first.Data)
	}
	for _, section := range []string{"[METADATA]", "**REMINDER TRIGGERED**", "[TRIGGER PROMPT]", "water the plants", "[DESCRIPTION]"} {
		if !strings.Contains(first.Data.Input, section) {
			t.Errorf("reminder input missing %q:\n%s", section, first.Data.Input)
		}
	}
	if first.Metadata["target_id"] != "chan1" {
		t.Errorf("metadata = %v", first.Metadata)
	}
}

func TestRemindersEmptyBatchIsAccepted(t *testing.T) {
	b := bus.New(testLogger())
	s := newTestServer(t, b)

	req := httptest.NewRequest("POST", "/reminders", strings.NewReader(`[]`))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	b := bus.New(testLogger())
	s := newTestServer(t, b)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}
}
