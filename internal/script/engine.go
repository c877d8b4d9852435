// Package script runs Lua programs against a Central. The program registers
// handlers with ble.on(...) and drives the radio through the ble table.
//
// An Engine is confined to the goroutine that owns its Central: handlers are
// invoked from Central.Pump or, for synchronous backends, from inside a ble.*
// call that is itself running in Lua.
package script

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
)

// Error is a Lua failure.
type Error struct {
	Type    string // "syntax", "runtime", "api"
	Message string
	Source  string
}

func (e *Error) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("Lua %s error (in %s): %s", e.Type, e.Source, e.Message)
	}
	return fmt.Sprintf("Lua %s error: %s", e.Type, e.Message)
}

// idlePoll bounds how long Run waits for the relay before pumping anyway.
const idlePoll = 50 * time.Millisecond

// Engine owns one Lua state bound to a Central.
type Engine struct {
	state   *lua.State
	central *central.Central
	logger  *logrus.Logger
	out     io.Writer

	handlers map[string]int
	stopped  bool
	failure  error
}

// New creates an engine and installs its callback table on c.
func New(c *central.Central, logger *logrus.Logger, out io.Writer) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if out == nil {
		out = os.Stdout
	}
	e := &Engine{
		state:    lua.NewState(),
		central:  c,
		logger:   logger,
		out:      out,
		handlers: make(map[string]int),
	}
	e.state.OpenLibs()
	e.registerPrint()
	e.registerAPI()
	e.SetArgs(nil)
	c.SetCallbacks(e.callbacks())
	return e
}

// Close releases the Lua state and detaches the callback table.
func (e *Engine) Close() {
	if e.state == nil {
		return
	}
	e.central.SetCallbacks(nil)
	e.state.Close()
	e.state = nil
}

func (e *Engine) registerPrint() {
	L := e.state
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			L.GetGlobal("tostring")
			L.PushValue(i)
			L.Call(1, 1)
			parts = append(parts, L.ToString(-1))
			L.Pop(1)
		}
		fmt.Fprintln(e.out, strings.Join(parts, "\t"))
		return 0
	})
	L.SetGlobal("print")
}

// SetArgs replaces the global args table seen by scripts.
func (e *Engine) SetArgs(args map[string]string) {
	L := e.state
	L.NewTable()
	for k, v := range args {
		L.PushString(v)
		L.SetField(-2, k)
	}
	L.SetGlobal("args")
}

// LoadFile runs a script file; see Load.
func (e *Engine) LoadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return e.Load(string(content), path)
}

// Load executes the top level of a script, which is expected to register
// handlers and start the first operation.
func (e *Engine) Load(script, name string) error {
	if strings.TrimSpace(script) == "" {
		return &Error{Type: "api", Message: "empty script", Source: name}
	}
	L := e.state
	if status := L.LoadString(script); status != 0 {
		msg := L.ToString(-1)
		L.Pop(1)
		return &Error{Type: "syntax", Message: msg, Source: name}
	}
	if err := L.Call(0, 0); err != nil {
		return &Error{Type: "runtime", Message: err.Error(), Source: name}
	}
	return e.failure
}

// Stopped reports whether the script called ble.stop().
func (e *Engine) Stopped() bool {
	return e.stopped
}

// Run pumps the central until the script calls ble.stop(), a handler fails,
// or ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for !e.stopped && e.failure == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.central.Ready():
		case <-ticker.C:
		}
		e.central.Pump()
	}
	return e.failure
}

// dispatch calls the handler registered for event with the pushed arguments.
// push returns the number of values it pushed.
func (e *Engine) dispatch(event string, push func(L *lua.State) int) {
	ref, ok := e.handlers[event]
	if !ok || e.state == nil {
		return
	}
	L := e.state
	L.RawGeti(lua.LUA_REGISTRYINDEX, ref)
	n := push(L)
	if err := L.Call(n, 0); err != nil {
		e.logger.WithFields(logrus.Fields{
			"event": event,
			"error": err,
		}).Error("Lua handler failed")
		if e.failure == nil {
			e.failure = &Error{Type: "runtime", Message: err.Error(), Source: "ble.on(" + event + ")"}
		}
	}
}
