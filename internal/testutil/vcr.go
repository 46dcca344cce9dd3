// Package testutil provides VCR helpers for provider client tests.
// Cassettes are recorded with VCR_MODE=record against live APIs and
// replayed in CI.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewRecorder creates a VCR recorder for cassetteName. Tests that replay
// a cassette nobody recorded yet are skipped rather than failed.
func NewRecorder(t *testing.T, cassetteName string) (*recorder.Recorder, func()) {
	t.Helper()

	mode := recorder.ModeReplaying
	cassettePath := filepath.Join("testdata", "fixtures", cassetteName)

	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	} else if _, err := os.Stat(cassettePath + ".yaml"); err != nil {
		t.Skipf("no cassette recorded for %s; run with VCR_MODE=record", cassetteName)
	}

	r, err := recorder.NewAsMode(cassettePath, mode, nil)
	if err != nil {
		t.Fatalf("create VCR recorder: %v", err)
	}

	// Match on method and URL only; request bodies carry timestamps.
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})

	cleanup := func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop VCR recorder: %v", err)
		}
	}
	return r, cleanup
}

// HTTPClient returns an HTTP client whose transport replays through r.
func HTTPClient(r *recorder.Recorder) *http.Client {
	return &http.Client{Transport: r}
}
