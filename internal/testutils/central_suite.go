//go:build test

package testutils

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/central/sim"
	"github.com/stretchr/testify/suite"
)

// HeartRate is the address of the sensor in sim.DefaultProfile.
var HeartRate = central.MustParseAddress("AA:BB:CC:DD:EE:FF")

// CentralSuite runs a Central over the simulated backend and records every
// application callback as a line of text.
type CentralSuite struct {
	suite.Suite

	// Async selects the worker-driven sim backend. Set before SetupTest.
	Async bool
	// Options are passed to the sim backend. Async is overridden.
	Options sim.Options

	Logger  *logrus.Logger
	Central *central.Central
	Backend *sim.Backend
	Calls   []string
	Reads   map[string][]byte
}

func (suite *CentralSuite) SetupTest() {
	suite.Logger = logrus.New()
	suite.Logger.SetOutput(io.Discard)
	suite.Calls = nil
	suite.Reads = make(map[string][]byte)

	opts := suite.Options
	opts.Async = suite.Async
	c, err := central.New(central.Options{
		Enabled: true,
		Logger:  suite.Logger,
		Drivers: []central.Driver{{
			Name:      sim.Name,
			Available: func() bool { return true },
			New: func(env central.Env) (central.Backend, error) {
				b, err := sim.New(env, opts)
				suite.Backend = b
				return b, err
			},
		}},
	})
	suite.Require().NoError(err)
	suite.Require().NoError(c.Init(), "MUST select the sim backend")
	suite.Central = c
	c.SetCallbacks(suite.Recorder())
}

func (suite *CentralSuite) TearDownTest() {
	if suite.Central != nil {
		suite.Central.Quit()
	}
}

func (suite *CentralSuite) record(format string, args ...any) {
	suite.Calls = append(suite.Calls, fmt.Sprintf(format, args...))
}

// Recorder returns a callback table that appends to Calls.
func (suite *CentralSuite) Recorder() *central.Callbacks {
	return &central.Callbacks{
		DiscoverPeripheral: func(p *central.Peripheral) {
			suite.record("discover %s", p.Address)
		},
		ReleasePeripheral: func(p *central.Peripheral) {
			suite.record("release %s", p.Address)
		},
		ConnectPeripheral: func(p *central.Peripheral, err int) {
			suite.record("connect %s %d", p.Address, err)
		},
		DisconnectPeripheral: func(p *central.Peripheral, err int) {
			suite.record("disconnect %s %d", p.Address, err)
		},
		DiscoverServices: func(p *central.Peripheral, err int) {
			suite.record("services %d", err)
		},
		DiscoverCharacteristics: func(p *central.Peripheral, s *central.Service, err int) {
			suite.record("characteristics %s %d", central.ShortUUID(s.UUID), err)
		},
		ReadCharacteristic: func(p *central.Peripheral, c *central.Characteristic, data []byte) {
			suite.record("read %s", central.ShortUUID(c.UUID))
			suite.Reads[central.ShortUUID(c.UUID)] = data
		},
		WriteCharacteristic: func(p *central.Peripheral, c *central.Characteristic, err int) {
			suite.record("write %s %d", central.ShortUUID(c.UUID), err)
		},
		NotifyCharacteristic: func(p *central.Peripheral, c *central.Characteristic, err int) {
			suite.record("notify %s %d", central.ShortUUID(c.UUID), err)
		},
		DiscoverDescriptors: func(p *central.Peripheral, c *central.Characteristic, err int) {
			suite.record("descriptors %s %d", central.ShortUUID(c.UUID), err)
		},
	}
}

// Settle pumps until n callbacks have been recorded since mark.
func (suite *CentralSuite) Settle(mark, n int) []string {
	deadline := time.After(2 * time.Second)
	for len(suite.Calls)-mark < n {
		select {
		case <-suite.Central.Ready():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			suite.FailNow("timed out waiting for callbacks", "want %d, have %v", n, suite.Calls[mark:])
		}
		suite.Central.Pump()
	}
	return suite.Calls[mark:]
}

// Step runs fn and waits for n callbacks.
func (suite *CentralSuite) Step(n int, fn func()) []string {
	mark := len(suite.Calls)
	fn()
	return suite.Settle(mark, n)
}

// Connect scans, connects and discovers the whole profile of HeartRate.
func (suite *CentralSuite) Connect() *central.Peripheral {
	suite.Step(1, func() { suite.Require().NoError(suite.Central.Scan("")) })
	p := suite.Central.FindPeripheral(HeartRate)
	suite.Require().NotNil(p, "scan MUST register the profile peripheral")

	got := suite.Step(1, func() { suite.Central.Connect(p) })
	suite.Require().Equal([]string{"connect AA:BB:CC:DD:EE:FF 0"}, got)
	got = suite.Step(1, func() { suite.Central.DiscoverServices(p) })
	suite.Require().Equal([]string{"services 0"}, got)

	if !suite.Options.InlineCharacteristics {
		for _, s := range p.Services {
			suite.Step(1, func() { suite.Central.DiscoverCharacteristics(p, s) })
		}
	}
	return p
}

// Characteristic finds svc/uuid on p or fails the test.
func (suite *CentralSuite) Characteristic(p *central.Peripheral, svc, uuid string) *central.Characteristic {
	c := suite.Central.FindCharacteristic(p, svc, uuid)
	suite.Require().NotNil(c, "characteristic %s/%s MUST be discovered", svc, uuid)
	return c
}
