package main

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withTerminal(t *testing.T, tty bool) {
	original := isTerminal
	isTerminal = func(io.Writer) bool { return tty }
	t.Cleanup(func() { isTerminal = original })
}

func TestProgressPrinter_Countdown(t *testing.T) {
	withTerminal(t, true)

	var buf bytes.Buffer
	p := NewCountdownProgressPrinter(&buf, "Waiting for name=ATC_0A1B2C", 30*time.Second)
	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Stop()

	out := buf.String()
	assert.Contains(t, out, "\rWaiting for name=ATC_0A1B2C (30s)", "first line MUST show the full duration")
	assert.Contains(t, out, clearLineSequence, "Stop MUST clear the progress line")
}

func TestProgressPrinter_NoDeadline(t *testing.T) {
	withTerminal(t, true)

	var buf bytes.Buffer
	p := NewCountdownProgressPrinter(&buf, "Waiting", 0)
	p.Start()
	p.Stop()

	assert.Contains(t, buf.String(), "\rWaiting...")
}

func TestProgressPrinter_NotATerminal(t *testing.T) {
	withTerminal(t, false)

	var buf bytes.Buffer
	p := NewCountdownProgressPrinter(&buf, "Waiting", time.Second)
	p.Start()
	p.Stop()

	assert.Empty(t, buf.String(), "nothing MUST be written when output is piped")
}

func TestProgressPrinter_StopWithoutStart(t *testing.T) {
	p := NewCountdownProgressPrinter(io.Discard, "Waiting", time.Second)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop MUST NOT block when Start was never called")
	}
}
