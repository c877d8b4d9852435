package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// progress prints a single status line with a counter while a command waits
// on the radio. It is silent unless out is a terminal.
//
// A progress is single-use: Start at most once, Stop any number of times.
type progress struct {
	out      io.Writer
	prefix   string
	phase    atomic.Value // string
	deadline time.Duration
	started  time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// newProgress counts down from deadline, or up when deadline is 0.
func newProgress(out io.Writer, prefix, phase string, deadline time.Duration) *progress {
	p := &progress{out: out, prefix: prefix, deadline: deadline}
	p.phase.Store(phase)
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		p.out = nil
	}
	return p
}

func (p *progress) Start() {
	if p.out == nil || p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.started = time.Now()
	p.print()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print()
			}
		}
	}()
}

// Phase replaces the label shown in parentheses.
func (p *progress) Phase(phase string) {
	p.phase.Store(phase)
}

func (p *progress) print() {
	phase := p.phase.Load().(string)
	elapsed := time.Since(p.started)
	seconds := int(elapsed.Seconds())
	if p.deadline > 0 {
		seconds = max(0, int((p.deadline-elapsed).Seconds()+0.5))
	}
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Stop clears the line and waits for the printer goroutine.
func (p *progress) Stop() {
	if p.stop == nil {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done
		fmt.Fprint(p.out, clearLineSequence)
	})
}
