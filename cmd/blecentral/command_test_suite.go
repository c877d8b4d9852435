//go:build test

package main

import (
	"bytes"
	"context"
	"time"

	"github.com/srg/blecentral/internal/central/sim"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// CommandTestSuite runs commands against the simulated backend and exposes
// the backend each command created.
type CommandTestSuite struct {
	suite.Suite

	sims chan *sim.Backend
}

func (s *CommandTestSuite) SetupTest() {
	s.sims = make(chan *sim.Backend, 4)
	sessionHook = func(sess *session) {
		if sess.sim == nil {
			return
		}
		select {
		case s.sims <- sess.sim:
		default:
		}
	}
}

func (s *CommandTestSuite) TearDownTest() {
	sessionHook = nil
}

// Execute runs the root command with the sim backend selected and returns
// stdout.
func (s *CommandTestSuite) Execute(args ...string) (string, error) {
	return s.ExecuteContext(context.Background(), args...)
}

func (s *CommandTestSuite) ExecuteContext(ctx context.Context, args ...string) (string, error) {
	root := newRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(append([]string{"--backend", "sim"}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// Backend returns the sim backend of the running or last command.
func (s *CommandTestSuite) Backend() *sim.Backend {
	select {
	case b := <-s.sims:
		return b
	case <-time.After(2 * time.Second):
		s.FailNow("command MUST open a sim session")
		return nil
	}
}

// AssertOutput compares command output, ignoring trailing whitespace.
func (s *CommandTestSuite) AssertOutput(actual, expected string) {
	testutils.AssertText(s.T(), actual, expected)
}
