package goble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/central"
	"github.com/stretchr/testify/suite"
)

type fakeRadio struct {
	mu         sync.Mutex
	advs       []Advertisement
	client     Client
	dialErr    error
	dialed     []string
	stopped    bool
	advertised chan string
}

func (r *fakeRadio) Scan(ctx context.Context, handler func(Advertisement)) error {
	r.mu.Lock()
	advs := append([]Advertisement(nil), r.advs...)
	r.mu.Unlock()
	for _, a := range advs {
		handler(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Dial(_ context.Context, addr string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialed = append(r.dialed, addr)
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	return r.client, nil
}

func (r *fakeRadio) Advertise(ctx context.Context, name string) error {
	r.advertised <- name
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeRadio) Stop() error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	return nil
}

type fakeClient struct {
	mu           sync.Mutex
	services     []*ble.Service
	values       map[*ble.Characteristic][]byte
	handlers     map[*ble.Characteristic]ble.NotificationHandler
	indicate     map[*ble.Characteristic]bool
	writeErr     error
	cancelled    int
	disconnected chan struct{}
}

func (c *fakeClient) DiscoverServices([]ble.UUID) ([]*ble.Service, error) {
	return c.services, nil
}

func (c *fakeClient) DiscoverCharacteristics(_ []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	return s.Characteristics, nil
}

func (c *fakeClient) DiscoverDescriptors(_ []ble.UUID, ch *ble.Characteristic) ([]*ble.Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch.CCCD = &ble.Descriptor{UUID: ble.UUID16(0x2902)}
	return []*ble.Descriptor{ch.CCCD}, nil
}

func (c *fakeClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[ch], nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.values[ch] = value
	return nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.CCCD == nil {
		return errors.New("CCCD not found")
	}
	c.handlers[ch] = h
	c.indicate[ch] = ind
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	c.cancelled++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) notify(ch *ble.Characteristic, data []byte) {
	c.mu.Lock()
	h := c.handlers[ch]
	c.mu.Unlock()
	h(data)
}

// notifyingClient also reports link loss.
type notifyingClient struct {
	*fakeClient
}

func (c notifyingClient) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c notifyingClient) CancelConnection() error {
	_ = c.fakeClient.CancelConnection()
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.disconnected:
	default:
		close(c.disconnected)
	}
	return nil
}

const peerID = "aa:bb:cc:dd:ee:ff"

type GoBLETestSuite struct {
	suite.Suite

	radio   *fakeRadio
	client  *fakeClient
	backend *Backend
	central *central.Central
	calls   []string
	reads   [][]byte

	battery, measurement, control *ble.Characteristic
}

func (suite *GoBLETestSuite) SetupTest() {
	suite.battery = &ble.Characteristic{UUID: ble.UUID16(0x2a19), Property: ble.CharRead}
	suite.measurement = &ble.Characteristic{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify}
	suite.control = &ble.Characteristic{UUID: ble.UUID16(0x2a39), Property: ble.CharWrite | ble.CharWriteNR}

	suite.client = &fakeClient{
		services: []*ble.Service{
			{UUID: ble.UUID16(0x180f), Characteristics: []*ble.Characteristic{suite.battery}},
			{UUID: ble.UUID16(0x180d), Characteristics: []*ble.Characteristic{suite.measurement, suite.control}},
		},
		values:       map[*ble.Characteristic][]byte{suite.battery: {0x55}},
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		indicate:     make(map[*ble.Characteristic]bool),
		disconnected: make(chan struct{}),
	}
	suite.radio = &fakeRadio{
		advs: []Advertisement{
			{Addr: peerID, LocalName: "HeartRate", RSSI: -60, Services: []string{central.ExpandUUID("180d")}},
			{Addr: "11:22:33:44:55:66", LocalName: "Other", RSSI: -80},
		},
		client:     notifyingClient{suite.client},
		advertised: make(chan string, 1),
	}
	suite.newCentral()
}

func (suite *GoBLETestSuite) newCentral() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	suite.calls = nil
	suite.reads = nil

	c, err := central.New(central.Options{
		Enabled: true,
		Logger:  logger,
		Drivers: []central.Driver{{
			Name: Name,
			New: func(env central.Env) (central.Backend, error) {
				suite.backend = newBackend(env, suite.radio, Options{ConnectTimeout: time.Second})
				return suite.backend, nil
			},
		}},
	})
	suite.Require().NoError(err)
	suite.Require().NoError(c.Init())

	c.SetCallbacks(&central.Callbacks{
		DiscoverPeripheral: func(p *central.Peripheral) { suite.record("discover %s %d", p.Name, p.RSSI) },
		ReleasePeripheral:  func(p *central.Peripheral) { suite.record("release %s", p.Name) },
		ConnectPeripheral:  func(p *central.Peripheral, err int) { suite.record("connect %d", err) },
		DisconnectPeripheral: func(p *central.Peripheral, err int) {
			suite.record("disconnect %d", err)
		},
		DiscoverServices: func(p *central.Peripheral, err int) {
			suite.record("services %d %d", len(p.Services), err)
		},
		DiscoverCharacteristics: func(p *central.Peripheral, s *central.Service, err int) {
			suite.record("characteristics %s %d %d", central.ShortUUID(s.UUID), len(s.Characteristics), err)
		},
		ReadCharacteristic: func(p *central.Peripheral, c *central.Characteristic, data []byte) {
			suite.record("read %s", central.ShortUUID(c.UUID))
			suite.reads = append(suite.reads, data)
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
	})
	suite.central = c
}

func (suite *GoBLETestSuite) TearDownTest() {
	suite.central.Quit()
}

func (suite *GoBLETestSuite) record(format string, args ...any) {
	suite.calls = append(suite.calls, fmt.Sprintf(format, args...))
}

func (suite *GoBLETestSuite) step(n int, fn func()) []string {
	mark := len(suite.calls)
	fn()
	deadline := time.After(2 * time.Second)
	for len(suite.calls)-mark < n {
		select {
		case <-suite.central.Ready():
			suite.central.Pump()
		case <-deadline:
			suite.FailNow("timed out waiting for callbacks", "want %d, have %v", n, suite.calls[mark:])
		}
	}
	return suite.calls[mark:]
}

func (suite *GoBLETestSuite) connect() *central.Peripheral {
	suite.step(1, func() { suite.Require().NoError(suite.central.Scan("180d")) })
	suite.central.StopScan()

	peers := suite.central.Peripherals()
	suite.Require().Len(peers, 1, "scan filter MUST only report the heart-rate sensor")
	p := peers[0]
	suite.Require().Equal(central.MustParseAddress(peerID), p.Address)
	suite.Require().Equal(peerID, p.Cookie, "native id MUST be the peripheral cookie")

	suite.Require().Equal([]string{"connect 0"}, suite.step(1, func() { suite.central.Connect(p) }))
	suite.Require().Equal([]string{"services 2 0"}, suite.step(1, func() { suite.central.DiscoverServices(p) }))
	for _, s := range p.Services {
		suite.step(1, func() { suite.central.DiscoverCharacteristics(p, s) })
	}
	return p
}

func (suite *GoBLETestSuite) TestSession() {
	// GOAL: Verify the go-ble backend translates native results into core events
	//
	// TEST SCENARIO: Scan → connect → discover → read/write/subscribe → link loss

	p := suite.connect()
	suite.Assert().True(suite.central.IsConnected(p))

	battery := suite.central.FindCharacteristic(p, "180f", "2a19")
	measurement := suite.central.FindCharacteristic(p, "180d", "2a37")
	control := suite.central.FindCharacteristic(p, "180d", "2a39")
	suite.Require().NotNil(battery)
	suite.Require().NotNil(measurement)
	suite.Require().NotNil(control)
	suite.Assert().Equal(central.PropWrite|central.PropWriteWithoutResponse, control.Properties)

	suite.Run("read", func() {
		suite.Assert().Equal([]string{"read 2a19"}, suite.step(1, func() { suite.central.ReadCharacteristic(battery) }))
		suite.Assert().Equal([]byte{0x55}, suite.reads[len(suite.reads)-1])
	})

	suite.Run("write", func() {
		suite.Assert().Equal([]string{"write 2a39 0"}, suite.step(1, func() { suite.central.WriteCharacteristic(control, []byte{1}) }))

		suite.client.mu.Lock()
		suite.client.writeErr = errors.New("att error")
		suite.client.mu.Unlock()
		suite.Assert().Equal([]string{"write 2a39 -14"}, suite.step(1, func() { suite.central.WriteCharacteristic(control, []byte{2}) }))
	})

	suite.Run("subscribe discovers the CCCD first", func() {
		suite.Assert().Equal([]string{"notify 2a37 0"}, suite.step(1, func() { suite.central.SubscribeCharacteristic(measurement, true) }))

		suite.client.mu.Lock()
		indicate := suite.client.indicate[suite.measurement]
		suite.client.mu.Unlock()
		suite.Assert().False(indicate, "notify-capable characteristic MUST use notifications")

		got := suite.step(1, func() { suite.client.notify(suite.measurement, []byte{0x00, 0x48}) })
		suite.Assert().Equal([]string{"read 2a37"}, got)
		suite.Assert().Equal([]byte{0x00, 0x48}, suite.reads[len(suite.reads)-1])
	})

	suite.Run("descriptors", func() {
		suite.Assert().Equal([]string{"descriptors 2a37 0"}, suite.step(1, func() { suite.central.DiscoverDescriptors(measurement) }))
	})

	suite.Run("link loss", func() {
		got := suite.step(2, func() { close(suite.client.disconnected) })
		suite.Assert().Equal([]string{"disconnect -14", "release HeartRate"}, got)
		suite.Assert().Empty(suite.central.Peripherals())
	})
}

func (suite *GoBLETestSuite) TestRequestedDisconnect() {
	p := suite.connect()

	got := suite.step(1, func() { suite.central.Disconnect(p) })

	suite.Assert().Equal([]string{"disconnect 0"}, got)
	suite.Assert().Same(p, suite.central.FindPeripheral(p.Address), "requested disconnect MUST keep the record")
	suite.Assert().False(suite.central.IsConnected(p))
}

func (suite *GoBLETestSuite) TestDisconnectWithoutNotifier() {
	suite.radio.client = suite.client
	p := suite.connect()

	got := suite.step(1, func() { suite.central.Disconnect(p) })

	suite.Assert().Equal([]string{"disconnect 0"}, got)
	suite.client.mu.Lock()
	defer suite.client.mu.Unlock()
	suite.Assert().Equal(1, suite.client.cancelled)
}

func (suite *GoBLETestSuite) TestDialFailure() {
	suite.radio.dialErr = errors.New("connection timed out")
	suite.step(2, func() { suite.Require().NoError(suite.central.Scan("")) })
	p := suite.central.FindPeripheral(central.MustParseAddress(peerID))
	suite.Require().NotNil(p)

	got := suite.step(1, func() { suite.central.Connect(p) })

	suite.Assert().Equal([]string{"connect -14"}, got)
	suite.Assert().Nil(suite.central.ConnectedPeripheral())
}

func (suite *GoBLETestSuite) TestQuit() {
	suite.connect()
	suite.central.StartAdvertise()

	select {
	case name := <-suite.radio.advertised:
		suite.Assert().Equal(advertiseName, name)
	case <-time.After(time.Second):
		suite.Fail("advertising MUST start")
	}

	suite.central.Quit()

	suite.radio.mu.Lock()
	defer suite.radio.mu.Unlock()
	suite.Assert().True(suite.radio.stopped, "quit MUST stop the device")
	suite.Assert().Equal(0, suite.backend.links.Len(), "quit MUST close every link")
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}

func TestProperties(t *testing.T) {
	got := properties(ble.CharRead | ble.CharNotify | ble.CharIndicate | ble.CharSignedWrite)
	want := central.PropRead | central.PropNotify | central.PropIndicate | central.PropAuthenticatedSignedWrites
	if got != want {
		t.Fatalf("properties MUST map bit for bit: got %s want %s", got, want)
	}
}

func TestAdvertisementEvent(t *testing.T) {
	ev := advertisementEvent(Advertisement{Addr: "5B3E1A4C-0000-4A1B-9C3D-000000000001", RSSI: -70})
	if ev.Address.IsValid() {
		t.Fatal("opaque CoreBluetooth identifiers MUST NOT be parsed as addresses")
	}
	if ev.Handle != "5B3E1A4C-0000-4A1B-9C3D-000000000001" {
		t.Fatalf("handle MUST carry the native id, got %v", ev.Handle)
	}
}
