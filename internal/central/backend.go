package central

import "github.com/sirupsen/logrus"

// Backend is a platform driver. Name is the only mandatory method; every
// other capability is an optional interface below. A capability the backend
// does not implement is treated as unsupported and the dispatcher no-ops.
//
// Backend methods are invoked on the owning goroutine. Results are reported
// through the EventSink given to Driver.New. A non-nil error returned from a
// call is surfaced through the matching application callback.
type Backend interface {
	Name() string
}

type Scanner interface {
	// Scan starts discovery; filter is a service UUID or "" for all.
	Scan(filter string) error
}

type ScanStopper interface {
	StopScan() error
}

type Advertiser interface {
	StartAdvertise() error
}

type Connector interface {
	// Connect must release a stale cookie left on p by a previous attempt
	// before establishing the new connection.
	Connect(p *Peripheral) error
}

type Disconnector interface {
	Disconnect(p *Peripheral) error
}

type ServiceDiscoverer interface {
	DiscoverServices(p *Peripheral) error
}

type CharacteristicDiscoverer interface {
	DiscoverCharacteristics(p *Peripheral, s *Service) error
}

type CharacteristicReader interface {
	ReadCharacteristic(c *Characteristic) error
}

type CharacteristicWriter interface {
	WriteCharacteristic(c *Characteristic, data []byte, withResponse bool) error
}

type CharacteristicSubscriber interface {
	SubscribeCharacteristic(c *Characteristic, enable bool) error
}

type DescriptorDiscoverer interface {
	DiscoverDescriptors(c *Characteristic) error
}

type AuthorizationReporter interface {
	AuthorizationStatus() Authorization
}

type ConnectionReporter interface {
	IsConnected(p *Peripheral) bool
}

type CharacteristicCookieReleaser interface {
	ReleaseCharacteristicCookie(c *Characteristic, index int)
}

type ServiceCookieReleaser interface {
	ReleaseServiceCookie(s *Service, index int)
}

type CookieReleaser interface {
	ReleaseCookie(p *Peripheral)
}

type Quitter interface {
	Quit()
}

// Authorization mirrors the platform permission states for Bluetooth use.
type Authorization int

const (
	AuthorizationNotDetermined Authorization = iota
	AuthorizationRestricted
	AuthorizationDenied
	AuthorizationAllowed
)

func (a Authorization) String() string {
	switch a {
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationAllowed:
		return "allowed"
	default:
		return "not-determined"
	}
}

// EventSink receives backend events. Post may be called from any goroutine;
// Deliver only from the owning goroutine, typically from inside a backend
// method invoked by the dispatcher.
type EventSink interface {
	Post(ev Event)
	Deliver(ev Event)
}

// Env is what a backend gets at construction.
type Env struct {
	Events EventSink
	Logger *logrus.Logger
}

// Driver is a bootstrap entry. Init picks the first driver whose Available
// reports true.
type Driver struct {
	Name      string
	Available func() bool
	New       func(env Env) (Backend, error)
}

// capabilities is the resolved, nil-able capability table of a backend.
type capabilities struct {
	scanner            Scanner
	scanStopper        ScanStopper
	advertiser         Advertiser
	connector          Connector
	disconnector       Disconnector
	serviceDiscoverer  ServiceDiscoverer
	charDiscoverer     CharacteristicDiscoverer
	reader             CharacteristicReader
	writer             CharacteristicWriter
	subscriber         CharacteristicSubscriber
	descDiscoverer     DescriptorDiscoverer
	authorization      AuthorizationReporter
	connection         ConnectionReporter
	charCookieReleaser CharacteristicCookieReleaser
	svcCookieReleaser  ServiceCookieReleaser
	cookieReleaser     CookieReleaser
	quitter            Quitter
}

func resolveCapabilities(b Backend) capabilities {
	var c capabilities
	c.scanner, _ = b.(Scanner)
	c.scanStopper, _ = b.(ScanStopper)
	c.advertiser, _ = b.(Advertiser)
	c.connector, _ = b.(Connector)
	c.disconnector, _ = b.(Disconnector)
	c.serviceDiscoverer, _ = b.(ServiceDiscoverer)
	c.charDiscoverer, _ = b.(CharacteristicDiscoverer)
	c.reader, _ = b.(CharacteristicReader)
	c.writer, _ = b.(CharacteristicWriter)
	c.subscriber, _ = b.(CharacteristicSubscriber)
	c.descDiscoverer, _ = b.(DescriptorDiscoverer)
	c.authorization, _ = b.(AuthorizationReporter)
	c.connection, _ = b.(ConnectionReporter)
	c.charCookieReleaser, _ = b.(CharacteristicCookieReleaser)
	c.svcCookieReleaser, _ = b.(ServiceCookieReleaser)
	c.cookieReleaser, _ = b.(CookieReleaser)
	c.quitter, _ = b.(Quitter)
	return c
}

// names lists the supported capabilities, for logging.
func (c capabilities) names() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(c.scanner != nil, "scan")
	add(c.scanStopper != nil, "stop-scan")
	add(c.advertiser != nil, "advertise")
	add(c.connector != nil, "connect")
	add(c.disconnector != nil, "disconnect")
	add(c.serviceDiscoverer != nil, "services")
	add(c.charDiscoverer != nil, "characteristics")
	add(c.reader != nil, "read")
	add(c.writer != nil, "write")
	add(c.subscriber != nil, "subscribe")
	add(c.descDiscoverer != nil, "descriptors")
	add(c.authorization != nil, "authorization")
	add(c.connection != nil, "is-connected")
	add(c.charCookieReleaser != nil, "release-characteristic")
	add(c.svcCookieReleaser != nil, "release-service")
	add(c.cookieReleaser != nil, "release-peripheral")
	add(c.quitter != nil, "quit")
	return out
}
