package central

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// hookRecorder implements the cookie release capabilities and records calls.
type hookRecorder struct {
	calls *[]string
}

func (h hookRecorder) Name() string { return "recorder" }

func (h hookRecorder) ReleaseCharacteristicCookie(c *Characteristic, index int) {
	*h.calls = append(*h.calls, fmt.Sprintf("release-char:%s:%d", ShortUUID(c.UUID), index))
}

func (h hookRecorder) ReleaseServiceCookie(s *Service, index int) {
	*h.calls = append(*h.calls, fmt.Sprintf("release-service:%s:%d", ShortUUID(s.UUID), index))
}

func (h hookRecorder) ReleaseCookie(p *Peripheral) {
	*h.calls = append(*h.calls, "release-cookie:"+p.Address.String())
}

type RegistryTestSuite struct {
	suite.Suite

	registry *Registry
	calls    []string
}

func (suite *RegistryTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	suite.calls = nil
	suite.registry = NewRegistry(4, logger)
	suite.registry.setReleaseHooks(resolveCapabilities(hookRecorder{calls: &suite.calls}))
	suite.registry.SetCallbacks(&Callbacks{
		DiscoverPeripheral: func(p *Peripheral) {
			suite.calls = append(suite.calls, fmt.Sprintf("discover:%s:%d", p.Address, p.RSSI))
		},
		ReleasePeripheral: func(p *Peripheral) {
			// The record is still intact when the application is told.
			suite.calls = append(suite.calls, fmt.Sprintf("release:%s:%d", p.Address, len(p.Services)))
		},
		ConnectPeripheral: func(p *Peripheral, err int) {
			suite.calls = append(suite.calls, fmt.Sprintf("connect:%s:%d", p.Address, err))
		},
		DisconnectPeripheral: func(p *Peripheral, err int) {
			suite.calls = append(suite.calls, fmt.Sprintf("disconnect:%s:%d", p.Address, err))
		},
	})
}

func (suite *RegistryTestSuite) discover(addr string) *Peripheral {
	p, err := suite.registry.DiscoverOrGet(Identity{Address: MustParseAddress(addr)})
	suite.Require().NoError(err, "MUST register peripheral")
	return p
}

// populate gives p two services with cookies: 180f{2a19} and 180d{2a37,2a38}.
func (suite *RegistryTestSuite) populate(p *Peripheral) {
	layout := []struct {
		service string
		chars   []string
	}{
		{"180f", []string{"2a19"}},
		{"180d", []string{"2a37", "2a38"}},
	}

	services := suite.registry.ReplaceServices(p, len(layout))
	for i, l := range layout {
		suite.registry.FillService(services[i], ExpandUUID(l.service), "svc-"+l.service)
		chars := suite.registry.ReplaceCharacteristics(services[i], len(l.chars))
		for j, uuid := range l.chars {
			suite.registry.FillCharacteristic(chars[j], ExpandUUID(uuid), "chr-"+uuid)
			chars[j].Properties |= PropRead
		}
	}
}

func (suite *RegistryTestSuite) TestDiscoverOrGet() {
	suite.Run("same address yields the same record", func() {
		// GOAL: Verify repeated advertisements update one record
		//
		// TEST SCENARIO: Discover twice with different RSSI → same pointer → RSSI is the latest

		p1 := suite.discover("AA:BB:CC:DD:EE:FF")
		suite.registry.OnAdvertisement(p1, -60)
		p2 := suite.discover("AA:BB:CC:DD:EE:FF")
		suite.registry.OnAdvertisement(p2, -55)

		suite.Assert().Same(p1, p2, "second discovery MUST return the same record")
		suite.Assert().Equal(-55, p2.RSSI, "RSSI MUST be the most recent value")
		suite.Assert().Equal(1, suite.registry.Len(), "registry MUST hold one record")
		suite.Assert().False(p2.LastAdvertisement.IsZero(), "advertisement time MUST be recorded")
	})

	suite.Run("handle and address merge", func() {
		// GOAL: Verify a handle-only and an address-only report of one device merge
		//
		// TEST SCENARIO: Register by handle → register by handle+address → one record with both

		p1, err := suite.registry.DiscoverOrGet(Identity{Handle: "native-1"})
		suite.Require().NoError(err)
		p2, err := suite.registry.DiscoverOrGet(Identity{Handle: "native-1", Address: MustParseAddress("11:22:33:44:55:66")})
		suite.Require().NoError(err)

		suite.Assert().Same(p1, p2, "handle lookup MUST find the existing record")
		suite.Assert().Equal("11:22:33:44:55:66", p2.Address.String(), "address MUST be merged in")
		suite.Assert().Same(p1, suite.registry.FindByCookie("native-1"))
	})

	suite.Run("registry full", func() {
		// GOAL: Verify the registry enforces its capacity
		//
		// TEST SCENARIO: Fill to limit → next new address → ErrRegistryFull, known address still resolves

		for i := suite.registry.Len(); i < 4; i++ {
			suite.discover(fmt.Sprintf("00:00:00:00:00:%02X", i+1))
		}
		_, err := suite.registry.DiscoverOrGet(Identity{Address: MustParseAddress("FF:FF:FF:FF:FF:FF")})
		suite.Assert().ErrorIs(err, ErrRegistryFull, "MUST refuse a new record when full")

		p, err := suite.registry.DiscoverOrGet(Identity{Address: MustParseAddress("AA:BB:CC:DD:EE:FF")})
		suite.Assert().NoError(err, "known peripheral MUST still resolve when full")
		suite.Assert().NotNil(p)
	})
}

func (suite *RegistryTestSuite) TestPeripheralsOrder() {
	for _, addr := range []string{"03:00:00:00:00:00", "01:00:00:00:00:00", "02:00:00:00:00:00"} {
		suite.discover(addr)
	}

	var got []string
	for _, p := range suite.registry.Peripherals() {
		got = append(got, p.Address.String())
	}
	suite.Assert().Equal([]string{"03:00:00:00:00:00", "01:00:00:00:00:00", "02:00:00:00:00:00"}, got,
		"peripherals MUST be listed in discovery order")
}

func (suite *RegistryTestSuite) TestConnectionLifecycle() {
	suite.Run("successful connect sets the singleton", func() {
		p := suite.discover("AA:BB:CC:DD:EE:FF")
		suite.registry.OnConnected(p, 0)

		suite.Assert().Same(p, suite.registry.Connected(), "connected peripheral MUST be set")
		suite.Assert().Equal(StateConnected, p.State)
	})

	suite.Run("failed connect leaves no singleton", func() {
		suite.SetupTest()
		p := suite.discover("AA:BB:CC:DD:EE:FF")
		suite.registry.OnConnected(p, EFAULT)

		suite.Assert().Nil(suite.registry.Connected(), "failed connect MUST NOT set the singleton")
		suite.Assert().Equal(StateDiscovered, p.State)
		suite.Assert().Equal([]string{"connect:AA:BB:CC:DD:EE:FF:-14"}, suite.calls)
	})

	suite.Run("connecting another peripheral replaces the singleton", func() {
		suite.SetupTest()
		p1 := suite.discover("01:00:00:00:00:00")
		p2 := suite.discover("02:00:00:00:00:00")
		suite.registry.OnConnected(p1, 0)
		suite.populate(p1)
		suite.registry.OnConnected(p2, 0)

		suite.Assert().Same(p2, suite.registry.Connected())
		suite.Assert().Equal(StateDiscovered, p1.State, "replaced peripheral MUST fall back to discovered")
		suite.Assert().Empty(p1.Services, "services MUST NOT outlive the replaced connection")
		suite.Assert().Contains(suite.calls, "release-service:180d:1", "replaced connection MUST release its service cookies")
	})
}

func (suite *RegistryTestSuite) TestInvoluntaryDisconnect() {
	// GOAL: Verify an error disconnect tears the peripheral down completely
	//
	// TEST SCENARIO: Connect with 2 services/3 characteristics → disconnect(-14) →
	// disconnect callback, release callback, cookies released child-first, record gone

	p := suite.discover("AA:BB:CC:DD:EE:FF")
	p.Cookie = "native-aa"
	suite.registry.OnConnected(p, 0)
	suite.populate(p)
	suite.calls = nil

	suite.registry.OnDisconnected(p, EFAULT)

	suite.Assert().Equal([]string{
		"release-char:2a19:0",
		"release-service:180f:0",
		"release-char:2a37:0",
		"release-char:2a38:1",
		"release-service:180d:1",
		"disconnect:AA:BB:CC:DD:EE:FF:-14",
		"release:AA:BB:CC:DD:EE:FF:0",
		"release-cookie:AA:BB:CC:DD:EE:FF",
	}, suite.calls, "teardown MUST follow the documented order")

	suite.Assert().Nil(suite.registry.Connected(), "connected singleton MUST be cleared")
	suite.Assert().Nil(suite.registry.Find(p.Address), "peripheral MUST NOT be findable after release")
	suite.Assert().Nil(suite.registry.FindByCookie("native-aa"))
	suite.Assert().Equal(StateReleased, p.State)
	suite.Assert().Nil(p.Cookie, "cookie MUST be cleared")
	suite.Assert().Empty(p.Services)
}

func (suite *RegistryTestSuite) TestCleanDisconnect() {
	// GOAL: Verify a clean disconnect keeps the record for reconnection
	//
	// TEST SCENARIO: Connect → disconnect(0) → disconnect callback only, record still findable without services

	p := suite.discover("AA:BB:CC:DD:EE:FF")
	suite.registry.OnConnected(p, 0)
	suite.populate(p)
	suite.calls = nil

	suite.registry.OnDisconnected(p, 0)

	suite.Assert().Contains(suite.calls, "disconnect:AA:BB:CC:DD:EE:FF:0")
	suite.Assert().NotContains(suite.calls, "release:AA:BB:CC:DD:EE:FF:0", "clean disconnect MUST NOT release")
	suite.Assert().Same(p, suite.registry.Find(p.Address), "peripheral MUST remain findable")
	suite.Assert().Nil(suite.registry.Connected())
	suite.Assert().Empty(p.Services, "services MUST be connection-scoped")
	suite.Assert().Equal(StateDiscovered, p.State)
}

func (suite *RegistryTestSuite) TestReleaseConnected() {
	// GOAL: Verify releasing a connected peripheral synthesizes a clean disconnect first
	//
	// TEST SCENARIO: Connect → Release → disconnect(0) precedes release callback

	p := suite.discover("AA:BB:CC:DD:EE:FF")
	suite.registry.OnConnected(p, 0)
	suite.populate(p)
	suite.calls = nil

	suite.registry.Release(p)

	suite.Require().GreaterOrEqual(len(suite.calls), 2)
	suite.Assert().Equal("disconnect:AA:BB:CC:DD:EE:FF:0", suite.calls[0])
	suite.Assert().Equal("release:AA:BB:CC:DD:EE:FF:2", suite.calls[1], "release callback MUST see the intact record")
	suite.Assert().Equal(0, suite.registry.Len())

	suite.Run("release is idempotent", func() {
		suite.calls = nil
		suite.registry.Release(p)
		suite.Assert().Empty(suite.calls, "second release MUST be a no-op")
	})
}

func (suite *RegistryTestSuite) TestReplaceServicesReleasesPrevious() {
	p := suite.discover("AA:BB:CC:DD:EE:FF")
	suite.populate(p)
	suite.calls = nil

	services := suite.registry.ReplaceServices(p, 1)

	suite.Assert().Len(services, 1)
	suite.Assert().Equal("", services[0].UUID, "new slots MUST start empty")
	suite.Assert().Same(p, services[0].Peripheral())
	suite.Assert().Equal(0, p.ValidServices(), "unfilled slots MUST NOT count as valid")
	suite.Assert().Len(suite.calls, 5, "every previous cookie MUST be released")
}

func (suite *RegistryTestSuite) TestReleaseAll() {
	for i := 1; i <= 3; i++ {
		suite.discover(fmt.Sprintf("0%d:00:00:00:00:00", i))
	}
	suite.registry.ReleaseAll()

	suite.Assert().Equal(0, suite.registry.Len())
	suite.Assert().Equal([]string{
		"release:01:00:00:00:00:00:0",
		"release:02:00:00:00:00:00:0",
		"release:03:00:00:00:00:00:0",
	}, suite.calls, "release MUST run oldest first")
}

func (suite *RegistryTestSuite) TestLookups() {
	p := suite.discover("AA:BB:CC:DD:EE:FF")
	suite.populate(p)

	suite.Assert().NotNil(p.FindService("180D"))
	suite.Assert().NotNil(p.FindService("0000180d-0000-1000-8000-00805f9b34fb"))
	suite.Assert().Nil(p.FindService("1800"))

	c := p.FindCharacteristic("180d", "2A38")
	suite.Require().NotNil(c)
	suite.Assert().Same(p, c.Peripheral())
	suite.Assert().Nil(p.FindCharacteristic("180f", "2a38"), "characteristic MUST be scoped to its service")

	suite.Assert().Same(c, p.findCharacteristicByCookie("chr-2a38"))
	suite.Assert().Nil(p.findServiceByCookie([]byte("uncomparable")), "uncomparable cookie MUST NOT panic")
	suite.Assert().Equal(2, p.ValidServices())
}

func (suite *RegistryTestSuite) TestInjectedClock() {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	suite.registry.now = func() time.Time { return fixed }

	p := suite.discover("AA:BB:CC:DD:EE:FF")
	suite.registry.OnAdvertisement(p, -70)

	suite.Assert().Equal(fixed, p.LastAdvertisement)
	suite.Assert().Equal([]string{"discover:AA:BB:CC:DD:EE:FF:-70"}, suite.calls)
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
