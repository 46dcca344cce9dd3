// Package heartbeat renders periodic progress frames while a slow
// operation runs. The pipeline starts one per turn and must stop it on
// every exit path; a leaked ticker keeps animating a dead request.
package heartbeat

import (
	"sync"
	"time"
)

// Frame sequences for progress rendering. Dots suits chat surfaces that
// re-edit a placeholder message, Braille suits terminal-style surfaces.
var (
	Dots    = []string{"●○○", "○●○", "○○●", "○●○"}
	Braille = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
)

// Ticker drives one progress animation.
type Ticker struct {
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// Start begins rendering frames every interval, cycling through frames
// in order. render is called from a single goroutine; it must not block
// for long or frames pile up behind it. Stop ends the animation.
func Start(interval time.Duration, frames []string, render func(frame string)) *Ticker {
	if len(frames) == 0 {
		frames = Dots
	}
	t := &Ticker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		tick := time.NewTicker(interval)
		defer tick.Stop()

		i := 0
		for {
			select {
			case <-t.stop:
				return
			case <-tick.C:
				render(frames[i%len(frames)])
				i++
			}
		}
	}()

	return t
}

// Stop halts the animation and waits for the in-flight render, if any,
// to return. Safe to call multiple times and from any goroutine.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
