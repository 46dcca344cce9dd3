package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valet-ai/valet/internal/bus"
	"github.com/valet-ai/valet/internal/domain"
	"github.com/valet-ai/valet/internal/strategy"
	"github.com/valet-ai/valet/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStrategy struct {
	name   string
	result domain.Result
	err    error
	// block, when non-nil, holds Process until closed.
	block chan struct{}

	mu  sync.Mutex
	got []strategy.Request
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Process(_ context.Context, req strategy.Request) (domain.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return domain.Result{}, f.err
	}
	return f.result, nil
}

func (f *fakeStrategy) requests() []strategy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]strategy.Request(nil), f.got...)
}

type harness struct {
	bus       *bus.Bus
	assistant *fakeStrategy
	web       *fakeStrategy
	replies   chan *bus.Reply
	errs      chan *bus.ReplyError
}

func newHarness(t *testing.T, recorder Recorder) *harness {
	t.Helper()
	h := &harness{
		bus:       bus.New(testLogger()),
		assistant: &fakeStrategy{name: strategy.NameOpenAI, result: domain.TextResult("assistant answer")},
		web:       &fakeStrategy{name: strategy.NamePerplexity, result: domain.TextResult("web answer")},
		replies:   make(chan *bus.Reply, 16),
		errs:      make(chan *bus.ReplyError, 16),
	}
	t.Cleanup(h.bus.Close)

	p := New(h.bus, strategy.NewFactory(h.assistant, h.web), recorder, Config{
		HeartbeatInterval: 5 * time.Millisecond,
	}, testLogger())
	p.Register()

	h.bus.On(bus.KindChatReply, func(_ context.Context, ev bus.Event) error {
		h.replies <- ev.(*bus.Reply)
		return nil
	})
	h.bus.On(bus.KindChatError, func(_ context.Context, ev bus.Event) error {
		h.errs <- ev.(*bus.ReplyError)
		return nil
	})
	return h
}

func (h *harness) awaitReply(t *testing.T) *bus.Reply {
	t.Helper()
	select {
	case r := <-h.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
		return nil
	}
}

func TestAssistantQueryFlowsToReply(t *testing.T) {
	h := newHarness(t, nil)

	h.bus.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", UserID: "u1", Name: "Ann", Input: "hello"},
		Source:    domain.SourceChat,
		ReplyKind: bus.KindChatReply,
		ErrorKind: bus.KindChatError,
		Metadata:  map[string]any{"channel": "c42"},
	}))

	reply := h.awaitReply(t)
	if reply.Result.Response != "assistant answer" {
		t.Errorf("reply = %+v", reply.Result)
	}
	if reply.Metadata["channel"] != "c42" {
		t.Errorf("metadata not passed through: %v", reply.Metadata)
	}

	reqs := h.assistant.requests()
	if len(reqs) != 1 || reqs[0].ID != "guild1" || reqs[0].Name != "Ann" {
		t.Errorf("assistant strategy saw %+v", reqs)
	}
	if len(h.web.requests()) != 0 {
		t.Error("web strategy invoked for an assistant query")
	}
}

func TestWebQueryRoutesToSearchStrategy(t *testing.T) {
	h := newHarness(t, nil)

	h.bus.Emit(context.Background(), bus.WebQuery(bus.Query{
		Data:      bus.RequestData{ID: "device9", Input: "latest news"},
		Source:    domain.SourceVoice,
		ReplyKind: bus.KindChatReply,
		Cache:     bus.CacheOverride{TTLSeconds: 600, BaseKey: "voice"},
	}))

	reply := h.awaitReply(t)
	if reply.Result.Response != "web answer" {
		t.Errorf("reply = %+v", reply.Result)
	}

	reqs := h.web.requests()
	if len(reqs) != 1 {
		t.Fatalf("web strategy saw %d requests", len(reqs))
	}
	if reqs[0].Cache.TTLSeconds != 600 || reqs[0].Cache.BaseKey != "voice" {
		t.Errorf("cache override not forwarded: %+v", reqs[0].Cache)
	}
	if reqs[0].Source != domain.SourceVoice {
		t.Errorf("source = %s", reqs[0].Source)
	}
}

func TestStrategyFailureEmitsErrorAndFallbackReply(t *testing.T) {
	h := newHarness(t, nil)
	boom := errors.New("provider down")
	h.assistant.err = boom

	h.bus.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", Input: "hello"},
		ReplyKind: bus.KindChatReply,
		ErrorKind: bus.KindChatError,
		Metadata:  map[string]any{"channel": "c1"},
	}))

	select {
	case re := <-h.errs:
		if !errors.Is(re.Err, boom) {
			t.Errorf("error event carries %v", re.Err)
		}
		if re.Metadata["channel"] != "c1" {
			t.Errorf("error metadata = %v", re.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event received")
	}

	reply := h.awaitReply(t)
	if reply.Result.Response != fallbackMessage {
		t.Errorf("fallback reply = %q, want %q", reply.Result.Response, fallbackMessage)
	}
	if !reply.Failed {
		t.Error("fallback reply not marked failed")
	}
}

func TestFailureLogCarriesRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	b := bus.New(testLogger())
	t.Cleanup(b.Close)
	assistant := &fakeStrategy{name: strategy.NameOpenAI, err: errors.New("provider down")}
	p := New(b, strategy.NewFactory(assistant), nil, Config{
		HeartbeatInterval: time.Minute,
	}, logger)
	p.Register()

	replies := make(chan *bus.Reply, 1)
	b.On(bus.KindChatReply, func(_ context.Context, ev bus.Event) error {
		replies <- ev.(*bus.Reply)
		return nil
	})

	b.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data: bus.RequestData{
			ID:     "guild1",
			UserID: "u1",
			Name:   "Ann",
			Input:  "what is in this picture?",
			Files:  domain.Attachments{Image: "https://cdn.test/cat.png"},
		},
		ReplyKind: bus.KindChatReply,
	}))
	b.Drain()
	<-replies

	out := buf.String()
	for _, want := range []string{
		"turn processing failed",
		"name=Ann",
		`input="what is in this picture?"`,
		"https://cdn.test/cat.png",
		"provider down",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("failure log missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownStrategyResolvesWithFallback(t *testing.T) {
	h := newHarness(t, nil)

	h.bus.Emit(context.Background(), &bus.ProcessInput{
		Query: bus.Query{
			Data:      bus.RequestData{ID: "guild1", Input: "hello"},
			ReplyKind: bus.KindChatReply,
			ErrorKind: bus.KindChatError,
		},
		StrategyName: "anthropic",
	})

	select {
	case re := <-h.errs:
		var uerr *domain.UnknownStrategyError
		if !errors.As(re.Err, &uerr) {
			t.Errorf("error event carries %v, want UnknownStrategyError", re.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event received")
	}

	reply := h.awaitReply(t)
	if reply.Result.Response != fallbackMessage {
		t.Errorf("fallback reply = %q", reply.Result.Response)
	}
	if len(h.assistant.requests())+len(h.web.requests()) != 0 {
		t.Error("a strategy ran despite the unknown name")
	}
}

func TestHeartbeatRunsDuringTurnAndStopsAfter(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.assistant.block = release

	var mu sync.Mutex
	notices := 0
	h.bus.On(bus.KindNoticeCreate, func(_ context.Context, ev bus.Event) error {
		if _, ok := ev.(*bus.Notice); !ok {
			t.Errorf("notice payload = %T", ev)
		}
		mu.Lock()
		notices++
		mu.Unlock()
		return nil
	})

	h.bus.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", Input: "slow one"},
		ReplyKind: bus.KindChatReply,
	}))

	// Let a few frames land while the strategy is blocked.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := notices
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never fired")
		case <-time.After(time.Millisecond):
		}
	}

	close(release)
	h.awaitReply(t)
	h.bus.Drain()

	mu.Lock()
	after := notices
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	h.bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	if notices != after {
		t.Errorf("%d heartbeat frames after the turn resolved", notices-after)
	}
}

func TestHeartbeatStopsOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.assistant.err = errors.New("boom")

	h.bus.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", Input: "hello"},
		ReplyKind: bus.KindChatReply,
	}))
	h.awaitReply(t)
	h.bus.Drain()

	var mu sync.Mutex
	late := 0
	h.bus.On(bus.KindNoticeCreate, func(context.Context, bus.Event) error {
		mu.Lock()
		late++
		mu.Unlock()
		return nil
	})
	time.Sleep(50 * time.Millisecond)
	h.bus.Drain()

	mu.Lock()
	defer mu.Unlock()
	if late != 0 {
		t.Errorf("%d heartbeat frames after a failed turn", late)
	}
}

func TestLongChatReplySplitsIntoChunks(t *testing.T) {
	b := bus.New(testLogger())
	t.Cleanup(b.Close)

	long := strings.Repeat("Sentence one. ", 40) // well past the cap
	assistant := &fakeStrategy{name: strategy.NameOpenAI, result: domain.TextResult(long)}
	p := New(b, strategy.NewFactory(assistant), nil, Config{
		HeartbeatInterval: time.Minute,
		ReplyChunkSize:    100,
	}, testLogger())
	p.Register()

	replies := make(chan *bus.Reply, 32)
	b.On(bus.KindChatReply, func(_ context.Context, ev bus.Event) error {
		replies <- ev.(*bus.Reply)
		return nil
	})

	b.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", Input: "long answer please"},
		Source:    domain.SourceChat,
		ReplyKind: bus.KindChatReply,
	}))
	b.Drain()

	close(replies)
	var got []string
	for r := range replies {
		if len(r.Result.Response) > 100 {
			t.Errorf("chunk of %d chars exceeds the cap", len(r.Result.Response))
		}
		got = append(got, r.Result.Response)
	}
	if len(got) < 2 {
		t.Fatalf("long reply arrived in %d chunk(s)", len(got))
	}
}

func TestVoiceReplyIsNeverChunked(t *testing.T) {
	b := bus.New(testLogger())
	t.Cleanup(b.Close)

	long := strings.Repeat("words and more words. ", 20)
	web := &fakeStrategy{name: strategy.NamePerplexity, result: domain.TextResult(long)}
	p := New(b, strategy.NewFactory(web), nil, Config{
		HeartbeatInterval: time.Minute,
		ReplyChunkSize:    50,
	}, testLogger())
	p.Register()

	replies := make(chan *bus.Reply, 8)
	b.On(bus.KindHTTPReply, func(_ context.Context, ev bus.Event) error {
		replies <- ev.(*bus.Reply)
		return nil
	})

	b.Emit(context.Background(), bus.WebQuery(bus.Query{
		Data:      bus.RequestData{ID: "device9", Input: "q"},
		Source:    domain.SourceVoice,
		ReplyKind: bus.KindHTTPReply,
	}))
	b.Drain()

	close(replies)
	count := 0
	for r := range replies {
		count++
		if r.Result.Response != long {
			t.Error("voice reply was altered")
		}
	}
	if count != 1 {
		t.Errorf("voice reply arrived in %d events, want 1", count)
	}
}

type memRecorder struct {
	mu    sync.Mutex
	turns []transcript.Turn
	err   error
}

func (m *memRecorder) Record(_ context.Context, turn transcript.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return m.err
}

func TestCompletedTurnIsRecorded(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, rec)

	h.bus.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", UserID: "u1", Input: "hello"},
		Source:    domain.SourceChat,
		ReplyKind: bus.KindChatReply,
	}))
	h.awaitReply(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.turns) != 1 {
		t.Fatalf("recorded %d turns, want 1", len(rec.turns))
	}
	turn := rec.turns[0]
	if turn.Strategy != strategy.NameOpenAI || turn.Response != "assistant answer" {
		t.Errorf("recorded turn = %+v", turn)
	}
}

func TestRecorderFailureDoesNotFailTurn(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	h := newHarness(t, rec)

	h.bus.Emit(context.Background(), bus.AssistantQuery(bus.Query{
		Data:      bus.RequestData{ID: "guild1", Input: "hello"},
		ReplyKind: bus.KindChatReply,
	}))

	reply := h.awaitReply(t)
	if reply.Result.Response != "assistant answer" {
		t.Errorf("reply = %+v", reply.Result)
	}
}
