package central

// EventKind tags an Event record.
type EventKind uint8

const (
	EventDiscovered EventKind = iota + 1
	EventConnectionChanged
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventCharacteristicRead
	EventCharacteristicWritten
	EventDescriptorWritten
	EventDescriptorsDiscovered
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventConnectionChanged:
		return "connection-changed"
	case EventServicesDiscovered:
		return "services-discovered"
	case EventCharacteristicsDiscovered:
		return "characteristics-discovered"
	case EventCharacteristicRead:
		return "characteristic-read"
	case EventCharacteristicWritten:
		return "characteristic-written"
	case EventDescriptorWritten:
		return "descriptor-written"
	case EventDescriptorsDiscovered:
		return "descriptors-discovered"
	default:
		return "unknown"
	}
}

// Event is a backend report. It carries native handles and plain data only;
// resolving handles to model objects happens on the owning goroutine.
//
// The peripheral is identified by Handle (matched against Peripheral.Cookie)
// and/or Address. When both are empty the connected peripheral is assumed.
type Event struct {
	Kind EventKind

	Handle  Cookie
	Address Address

	// Discovered
	Name             string
	RSSI             int
	ManufacturerData []byte

	// ConnectionChanged
	Connected bool

	// Err is 0 on success, a native failure code otherwise.
	Err int

	// ServicesDiscovered
	Services []ServiceRecord

	// CharacteristicsDiscovered: Service is the native service handle.
	Service         Cookie
	Characteristics []CharacteristicRecord

	// CharacteristicRead, CharacteristicWritten, DescriptorWritten,
	// DescriptorsDiscovered: Characteristic is the native characteristic handle.
	Characteristic Cookie
	Descriptor     string
	Data           []byte
	Notification   bool
}

// ServiceRecord describes one discovered service. Characteristics may be
// filled by backends that enumerate the whole profile at once.
type ServiceRecord struct {
	UUID            string
	Cookie          Cookie
	Characteristics []CharacteristicRecord
}

// CharacteristicRecord describes one discovered characteristic.
type CharacteristicRecord struct {
	UUID       string
	Properties Properties
	Cookie     Cookie
}
