package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/valet-ai/valet/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitFansOutToAllHandlers(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var got []string

	for _, name := range []string{"a", "b", "c"} {
		name := name
		b.On(KindAssistantQuery, func(_ context.Context, ev Event) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		})
	}

	b.Emit(context.Background(), AssistantQuery(Query{Data: RequestData{ID: "g1"}}))
	b.Drain()

	if len(got) != 3 {
		t.Fatalf("expected 3 handler invocations, got %d (%v)", len(got), got)
	}
}

func TestHandlerSeesEventsInEmissionOrder(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var mu sync.Mutex
	var ids []string
	b.On(KindWebQuery, func(_ context.Context, ev Event) error {
		q := ev.(*Query)
		mu.Lock()
		ids = append(ids, q.Data.ID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		b.Emit(context.Background(), WebQuery(Query{Data: RequestData{ID: id}}))
	}
	b.Drain()

	want := []string{"1", "2", "3", "4", "5"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("out of order delivery: got %v", ids)
		}
	}
}

func TestHandlerErrorReachesFaultStream(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	boom := errors.New("boom")
	faults := make(chan *Fault, 1)

	b.On(KindFault, func(_ context.Context, ev Event) error {
		faults <- ev.(*Fault)
		return nil
	})
	b.On(KindAssistantQuery, func(_ context.Context, ev Event) error {
		return boom
	})

	b.Emit(context.Background(), AssistantQuery(Query{}))
	b.Drain()

	select {
	case f := <-faults:
		if !errors.Is(f.Err, boom) {
			t.Errorf("fault carries %v, want %v", f.Err, boom)
		}
		if f.Origin != KindAssistantQuery {
			t.Errorf("fault origin = %s, want %s", f.Origin, KindAssistantQuery)
		}
	default:
		t.Fatal("no fault emitted for failing handler")
	}
}

func TestHandlerPanicDoesNotAffectSiblings(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	done := make(chan struct{}, 1)
	b.On(KindWebQuery, func(_ context.Context, ev Event) error {
		panic("handler bug")
	})
	b.On(KindWebQuery, func(_ context.Context, ev Event) error {
		done <- struct{}{}
		return nil
	})

	b.Emit(context.Background(), WebQuery(Query{}))
	b.Drain()

	select {
	case <-done:
	default:
		t.Fatal("sibling handler did not run after panic")
	}
}

func TestRemoveAllDetachesHandlers(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.On(KindAssistantQuery, func(_ context.Context, ev Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	b.Emit(context.Background(), AssistantQuery(Query{}))
	b.Drain()
	b.RemoveAll(KindAssistantQuery)
	b.Emit(context.Background(), AssistantQuery(Query{}))
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("handler ran %d times, want 1", count)
	}
}

func TestReplyRoutesByConfiguredKind(t *testing.T) {
	b := New(testLogger())
	defer b.Close()

	got := make(chan domain.Result, 1)
	b.On(KindVoiceReply, func(_ context.Context, ev Event) error {
		got <- ev.(*Reply).Result
		return nil
	})

	b.Emit(context.Background(), &Reply{
		ReplyKind: KindVoiceReply,
		Result:    domain.TextResult("hi"),
	})
	b.Drain()

	select {
	case r := <-got:
		if r.Response != "hi" {
			t.Errorf("reply payload = %q, want %q", r.Response, "hi")
		}
	default:
		t.Fatal("reply not delivered to configured kind")
	}
}
