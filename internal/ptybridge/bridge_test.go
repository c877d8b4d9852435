package ptybridge_test

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/central/sim"
	"github.com/srg/blecentral/internal/ptybridge"
	"github.com/stretchr/testify/suite"
)

var heartRate = central.MustParseAddress("AA:BB:CC:DD:EE:FF")

type BridgeTestSuite struct {
	suite.Suite

	central    *central.Central
	backend    *sim.Backend
	pty        *ptybridge.PTY
	peripheral *central.Peripheral
	subscribed bool
}

func (suite *BridgeTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := central.New(central.Options{
		Enabled: true,
		Logger:  logger,
		Drivers: []central.Driver{{
			Name:      sim.Name,
			Available: func() bool { return true },
			New: func(env central.Env) (central.Backend, error) {
				b, err := sim.New(env, sim.Options{Async: true, InlineCharacteristics: true})
				suite.backend = b
				return b, err
			},
		}},
	})
	suite.Require().NoError(err)
	suite.Require().NoError(c.Init())
	suite.central = c

	p, err := ptybridge.Open(ptybridge.Options{Logger: logger})
	if err != nil {
		c.Quit()
		suite.T().Skipf("PTY unavailable: %v", err)
	}
	suite.pty = p
	suite.subscribed = false
}

func (suite *BridgeTestSuite) TearDownTest() {
	if suite.pty != nil {
		suite.NoError(suite.pty.Close())
	}
	suite.central.Quit()
}

// pumpUntil services the central on the test goroutine until cond holds.
func (suite *BridgeTestSuite) pumpUntil(what string, cond func() bool) {
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-suite.central.Ready():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			suite.FailNow("timed out waiting for " + what)
		}
		suite.central.Pump()
	}
}

// connect brings the heart-rate sensor to services-ready.
func (suite *BridgeTestSuite) connect() {
	suite.Require().NoError(suite.central.Scan("180d"))
	suite.pumpUntil("discovery", func() bool { return suite.central.FindPeripheral(heartRate) != nil })

	suite.peripheral = suite.central.FindPeripheral(heartRate)
	suite.central.Connect(suite.peripheral)
	suite.pumpUntil("connection", func() bool { return suite.peripheral.State == central.StateConnected })

	suite.central.DiscoverServices(suite.peripheral)
	suite.pumpUntil("services", func() bool { return suite.peripheral.State == central.StateServicesReady })
}

func (suite *BridgeTestSuite) characteristic(svc, uuid string) *central.Characteristic {
	c := suite.central.FindCharacteristic(suite.peripheral, svc, uuid)
	suite.Require().NotNil(c, "characteristic %s/%s MUST be discovered", svc, uuid)
	return c
}

// TestValidation verifies bridge configuration checks.
func (suite *BridgeTestSuite) TestValidation() {
	suite.connect()

	suite.Run("no characteristics", func() {
		_, err := ptybridge.New(suite.central, suite.pty, ptybridge.Config{})
		suite.Error(err)
	})

	suite.Run("read-only TX", func() {
		_, err := ptybridge.New(suite.central, suite.pty, ptybridge.Config{TX: suite.characteristic("180d", "2a38")})
		suite.Require().Error(err)
		suite.Contains(err.Error(), "is not writable")
	})

	suite.Run("RX without notify", func() {
		_, err := ptybridge.New(suite.central, suite.pty, ptybridge.Config{RX: suite.characteristic("180d", "2a39")})
		suite.Require().Error(err)
		suite.Contains(err.Error(), "does not notify")
	})
}

// TestBridge verifies bytes flow in both directions until the link drops.
//
// GOAL: Bytes written to the tty reach TX, RX notifications reach the tty,
// and Run ends with ErrConnectionLost when the peripheral drops.
//
// TEST SCENARIO: connect -> subscribe RX -> tty write -> notification ->
// involuntary disconnect
func (suite *BridgeTestSuite) TestBridge() {
	suite.connect()

	bridge, err := ptybridge.New(suite.central, suite.pty, ptybridge.Config{
		TX: suite.characteristic("180d", "2a39"),
		RX: suite.characteristic("180d", "2a37"),
	})
	suite.Require().NoError(err)

	bridge.Attach(&central.Callbacks{
		NotifyCharacteristic: func(_ *central.Peripheral, _ *central.Characteristic, code int) {
			suite.subscribed = code == 0
		},
	})
	bridge.Subscribe()
	suite.pumpUntil("subscription", func() bool { return suite.subscribed })

	slave, err := os.OpenFile(suite.pty.TTYName(), os.O_RDWR|noctty, 0)
	suite.Require().NoError(err)
	defer slave.Close()

	// The central belongs to Run from here on.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	_, err = slave.Write([]byte("hello"))
	suite.Require().NoError(err)
	suite.Eventually(func() bool {
		v, ok := suite.backend.Value(heartRate, "180d", "2a39")
		return ok && string(v) == "hello"
	}, 2*time.Second, 10*time.Millisecond, "tty input MUST be written to TX")

	suite.Require().NoError(suite.backend.Notify(heartRate, "180d", "2a37", []byte("world")))
	suite.Equal("world", string(readFull(suite.T(), slave, 5, 2*time.Second)), "RX notifications MUST reach the tty")

	suite.Require().NoError(suite.backend.Drop(heartRate))
	select {
	case err := <-done:
		suite.ErrorIs(err, ptybridge.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		suite.FailNow("Run MUST return after the peripheral drops")
	}
}

func TestBridge(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}
