//go:build test

package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/ptybridge"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

var heartRate = central.MustParseAddress(testAddress)

type CommandsTestSuite struct {
	CommandTestSuite
}

func (suite *CommandsTestSuite) TestScan() {
	// GOAL: Verify scan lists the simulated peripheral in both output formats
	//
	// TEST SCENARIO: scan table → scan json → filtered scan with no match

	suite.Run("table", func() {
		out, err := suite.Execute("scan", "--duration", "200ms")
		suite.Require().NoError(err)
		suite.Contains(out, "ADDRESS  NAME  RSSI  MANUFACTURER DATA")
		suite.Contains(out, "AA:BB:CC:DD:EE:FF  HeartRate  -60 dBm", "scan table MUST list the profile peripheral")
	})

	suite.Run("json with service filter", func() {
		out, err := suite.Execute("scan", "--duration", "200ms", "--service", "180d", "--format", "json")
		suite.Require().NoError(err)
		testutils.AssertJSON(suite.T(), out, `[{"address": "AA:BB:CC:DD:EE:FF", "name": "HeartRate", "rssi": -60}]`)
	})

	suite.Run("no match", func() {
		out, err := suite.Execute("scan", "--duration", "200ms", "--service", "1812")
		suite.Require().NoError(err)
		suite.AssertOutput(out, "No devices discovered")
	})

	suite.Run("invalid format", func() {
		_, err := suite.Execute("scan", "--format", "xml")
		suite.Require().Error(err)
		suite.Contains(err.Error(), "invalid format")
	})
}

func (suite *CommandsTestSuite) TestInspect() {
	// GOAL: Verify inspect connects, discovers the GATT table and reads values
	//
	// TEST SCENARIO: inspect --read → tree with values; inspect --format json → registry view

	out, err := suite.Execute("inspect", testAddress, "--read")
	suite.Require().NoError(err)
	suite.AssertOutput(out, `
HeartRate AA:BB:CC:DD:EE:FF rssi=-60 authorization=allowed
  service 180f
    characteristic 2a19 [Read|Notify] = 55
  service 180d
    characteristic 2a37 [Notify]
    characteristic 2a38 [Read] = 01
    characteristic 2a39 [WriteWithoutResponse|Write]
`)

	out, err = suite.Execute("inspect", testAddress, "--format", "json")
	suite.Require().NoError(err)
	testutils.AssertJSON(suite.T(), out, `{
		"address": "AA:BB:CC:DD:EE:FF",
		"authorization": "allowed",
		"services": [
			{"uuid": "180f", "characteristics": [{"uuid": "2a19", "properties": "Read|Notify"}]},
			{"uuid": "180d", "characteristics": [
				{"uuid": "2a37"}, {"uuid": "2a38"}, {"uuid": "2a39"}
			]}
		]
	}`)

	suite.Run("unknown device", func() {
		_, err := suite.Execute("--config", suite.config("scan_timeout: 300ms\n"), "inspect", "00:11:22:33:44:55")
		suite.Require().Error(err)
		suite.ErrorIs(err, central.ErrNotFound, "an unseen address MUST report not found")
	})
}

func (suite *CommandsTestSuite) TestRead() {
	out, err := suite.Execute("read", testAddress, "180f", "2a19", "--hex")
	suite.Require().NoError(err)
	suite.AssertOutput(out, "55")

	out, err = suite.Execute("read", testAddress, "180d", "2a38", "--hex", "--watch", "10ms", "--count", "3")
	suite.Require().NoError(err)
	suite.AssertOutput(out, "01\n01\n01")

	_, err = suite.Execute("read", testAddress, "180d", "2a37")
	suite.Require().Error(err)
	suite.ErrorIs(err, central.ErrCapabilityDenied, "reading a notify-only characteristic MUST be refused")

	_, err = suite.Execute("read", testAddress, "180d", "2a99")
	suite.ErrorIs(err, central.ErrNotFound)

	_, err = suite.Execute("read", "not-an-address", "180d", "2a38")
	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid device address")
}

func (suite *CommandsTestSuite) TestWrite() {
	// GOAL: Verify both write modes reach the simulated characteristic
	//
	// TEST SCENARIO: confirmed hex write → value stored; write command → value stored

	out, err := suite.Execute("write", testAddress, "180d", "2a39", "01:02", "--hex")
	suite.Require().NoError(err)
	suite.AssertOutput(out, "Wrote 2 bytes to 2a39")
	value, ok := suite.Backend().Value(heartRate, "180d", "2a39")
	suite.True(ok)
	suite.Equal([]byte{1, 2}, value, "confirmed write MUST store the value")

	_, err = suite.Execute("write", testAddress, "180d", "2a39", "go", "--no-response")
	suite.Require().NoError(err)
	b := suite.Backend()
	suite.Eventually(func() bool {
		v, _ := b.Value(heartRate, "180d", "2a39")
		return string(v) == "go"
	}, time.Second, 10*time.Millisecond, "write without response MUST store the value")

	_, err = suite.Execute("write", testAddress, "180d", "2a38", "01", "--hex")
	suite.ErrorIs(err, central.ErrCapabilityDenied)

	_, err = suite.Execute("write", testAddress, "180d", "2a39", "zz", "--hex")
	suite.Require().Error(err)
	suite.Contains(err.Error(), "invalid hex value")
}

func (suite *CommandsTestSuite) TestSubscribe() {
	// GOAL: Verify subscribe prints notifications until --count is reached
	//
	// TEST SCENARIO: subscribe --count 2 → two sim notifications → two hex lines

	sessionHook = func(sess *session) {
		b := sess.sim
		go func() {
			payloads := [][]byte{{0x00, 0x48}, {0x00, 0x50}}
			deadline := time.Now().Add(3 * time.Second)
			for len(payloads) > 0 && time.Now().Before(deadline) {
				if b.Notify(heartRate, "180d", "2a37", payloads[0]) == nil {
					payloads = payloads[1:]
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()
	}

	out, err := suite.Execute("subscribe", testAddress, "180d", "2a37", "--hex", "--count", "2", "--duration", "5s")
	suite.Require().NoError(err)
	suite.AssertOutput(out, "0048\n0050")

	_, err = suite.Execute("subscribe", testAddress, "180d", "2a38")
	suite.ErrorIs(err, central.ErrCapabilityDenied)
}

func (suite *CommandsTestSuite) TestRun() {
	// GOAL: Verify run executes a Lua session against the central
	//
	// TEST SCENARIO: --eval script discovers, connects and reads → output printed

	out, err := suite.Execute("run", "--timeout", "3s", "--eval", `
		ble.on("discover", function(p) ble.connect(p.address) end)
		ble.on("connect", function(p) ble.discover_services(p.address) end)
		ble.on("services", function(p) ble.discover_characteristics(p.address, "180f") end)
		ble.on("characteristics", function(p) ble.read(p.address, "180f", "2a19") end)
		ble.on("read", function(p, c, data)
			print(p.name, c.uuid, string.byte(data))
			ble.stop()
		end)
		ble.scan()
	`)
	suite.Require().NoError(err)
	suite.AssertOutput(out, "HeartRate\t2a19\t85")

	suite.Run("script file", func() {
		path := filepath.Join(suite.T().TempDir(), "hello.lua")
		suite.Require().NoError(os.WriteFile(path, []byte(`print(ble.authorization()) ble.stop()`), 0o644))
		out, err := suite.Execute("run", path)
		suite.Require().NoError(err)
		suite.AssertOutput(out, "allowed")
	})

	suite.Run("syntax error", func() {
		_, err := suite.Execute("run", "--eval", "ble.on(")
		suite.Require().Error(err)
		suite.Contains(FormatUserError(err), "Lua syntax error")
	})

	suite.Run("builtin inspect", func() {
		out, err := suite.Execute("run", "--builtin", "inspect", "--arg", "address=aa:bb:cc:dd:ee:ff", "--timeout", "3s")
		suite.Require().NoError(err)
		suite.AssertOutput(out, `
HeartRate	AA:BB:CC:DD:EE:FF
180f
  2a19	Read|Notify
180d
  2a37	Notify
  2a38	Read
  2a39	WriteWithoutResponse|Write
2a19 = 55
2a38 = 01`)
	})

	suite.Run("builtin scan ends at timeout", func() {
		out, err := suite.Execute("run", "--builtin", "scan", "--timeout", "300ms")
		suite.Require().NoError(err, "timeout MUST end a script without an error")
		suite.AssertOutput(out, "AA:BB:CC:DD:EE:FF\tHeartRate\t-60")
	})

	suite.Run("unknown builtin", func() {
		_, err := suite.Execute("run", "--builtin", "nope")
		suite.Require().Error(err)
		suite.Contains(err.Error(), "unknown built-in script")
	})

	suite.Run("missing script", func() {
		_, err := suite.Execute("run")
		suite.Require().Error(err)
	})

	suite.Run("script and eval", func() {
		_, err := suite.Execute("run", "x.lua", "--eval", "ble.stop()")
		suite.Require().Error(err)
	})
}

func (suite *CommandsTestSuite) TestBridge() {
	// GOAL: Verify the bridge command shuttles tty input to TX and ends when
	// the peripheral drops
	//
	// TEST SCENARIO: bridge on 2a39/2a37 → write to symlinked tty → TX updated → drop → connection lost

	probe, err := ptybridge.Open(ptybridge.Options{})
	if err != nil {
		suite.T().Skipf("PTY unavailable: %v", err)
	}
	probe.Close()

	link := filepath.Join(suite.T().TempDir(), "ble-tty")
	done := make(chan error, 1)
	go func() {
		_, err := suite.ExecuteContext(context.Background(), "bridge", testAddress,
			"--tx", "180d/2a39", "--rx", "180d/2a37", "--symlink", link)
		done <- err
	}()
	b := suite.Backend()

	suite.Require().Eventually(func() bool {
		_, err := os.Lstat(link)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond, "bridge MUST create the PTY symlink")

	tty, err := os.OpenFile(link, os.O_RDWR|unix.O_NOCTTY, 0)
	suite.Require().NoError(err)
	defer tty.Close()

	_, err = tty.Write([]byte("hi"))
	suite.Require().NoError(err)
	suite.Eventually(func() bool {
		v, _ := b.Value(heartRate, "180d", "2a39")
		return string(v) == "hi"
	}, 2*time.Second, 10*time.Millisecond, "tty input MUST reach the TX characteristic")

	suite.Require().NoError(b.Drop(heartRate))
	select {
	case err := <-done:
		suite.ErrorIs(err, ErrConnectionLost)
	case <-time.After(3 * time.Second):
		suite.FailNow("bridge MUST exit after the peripheral drops")
	}
}

func (suite *CommandsTestSuite) TestConfig() {
	suite.Run("disabled", func() {
		_, err := suite.Execute("--config", suite.config("enabled: false\n"), "scan", "--duration", "50ms")
		suite.Require().Error(err)
		suite.ErrorIs(err, central.ErrDisabled)
		suite.Contains(FormatUserError(err), "disabled")
	})

	suite.Run("unknown backend", func() {
		root := newRootCmd()
		root.SetArgs([]string{"--backend", "carrier-pigeon", "scan"})
		root.SetOut(new(nopWriter))
		root.SetErr(new(nopWriter))
		err := root.Execute()
		suite.Require().Error(err)
		suite.Contains(err.Error(), `unknown backend "carrier-pigeon"`)
	})

	suite.Run("sim profile", func() {
		profile := filepath.Join(suite.T().TempDir(), "profile.yaml")
		suite.Require().NoError(os.WriteFile(profile, []byte(`
peripherals:
  - address: "11:22:33:44:55:66"
    name: "Thermo"
    rssi: -85
    services:
      - uuid: "181a"
        characteristics:
          - uuid: "2a6e"
            properties: [read]
            value: "e803"
`), 0o644))
		out, err := suite.Execute("--sim-profile", profile, "read", "11:22:33:44:55:66", "181a", "2a6e", "--hex")
		suite.Require().NoError(err)
		suite.AssertOutput(out, "E803")
	})

	suite.Run("invalid log level", func() {
		_, err := suite.Execute("--log-level", "loud", "scan")
		suite.Require().Error(err)
		suite.Contains(err.Error(), "invalid log level")
	})
}

// config writes a config file into the test temp dir.
func (suite *CommandsTestSuite) config(body string) string {
	path := filepath.Join(suite.T().TempDir(), "config.yaml")
	suite.Require().NoError(os.WriteFile(path, []byte(body), 0o644))
	return path
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCommands(t *testing.T) {
	suite.Run(t, new(CommandsTestSuite))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"disabled", central.ErrDisabled, "BLE support is disabled (set enabled: true in the config file)"},
		{"lost", ErrConnectionLost, "connection lost: the device disconnected"},
		{"native", &central.NativeError{Op: "connect", Code: central.EFAULT}, "connect failed (code -14) (device unreachable or operation rejected)"},
		{"capability", &central.CapabilityError{Op: "read", UUID: "2a37", Have: central.PropNotify}, "characteristic 2a37 does not support read (properties: Notify)"},
		{"plain", errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
	assert.Contains(t, FormatUserError(&central.NotFoundError{Resource: "peripheral", Key: "x"}), "blecentral scan")
	assert.Contains(t, FormatUserError(central.ErrBackendUnavailable), "--backend sim")
}
