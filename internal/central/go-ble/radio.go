package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Advertisement is a decoded advertising report.
type Advertisement struct {
	Addr             string
	LocalName        string
	RSSI             int
	ManufacturerData []byte
	Services         []string
	Connectable      bool
}

// Client is the subset of ble.Client the backend drives.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
}

// disconnectNotifier is implemented by clients that report link loss
// (CoreBluetooth does, BlueZ HCI does too).
type disconnectNotifier interface {
	Disconnected() <-chan struct{}
}

// Radio is the adapter-level surface: scanning, dialing, advertising.
type Radio interface {
	Scan(ctx context.Context, handler func(Advertisement)) error
	Dial(ctx context.Context, addr string) (Client, error)
	Advertise(ctx context.Context, name string) error
	Stop() error
}

// deviceRadio adapts a ble.Device.
type deviceRadio struct {
	dev ble.Device
}

func (r *deviceRadio) Scan(ctx context.Context, handler func(Advertisement)) error {
	return NormalizeError(r.dev.Scan(ctx, true, func(adv ble.Advertisement) {
		handler(decodeAdvertisement(adv))
	}))
}

func (r *deviceRadio) Dial(ctx context.Context, addr string) (Client, error) {
	client, err := r.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return client, nil
}

func (r *deviceRadio) Advertise(ctx context.Context, name string) error {
	return NormalizeError(r.dev.AdvertiseNameAndServices(ctx, name))
}

func (r *deviceRadio) Stop() error {
	return r.dev.Stop()
}

func decodeAdvertisement(adv ble.Advertisement) Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, canonical(u))
	}
	return Advertisement{
		Addr:             adv.Addr().String(),
		LocalName:        adv.LocalName(),
		RSSI:             adv.RSSI(),
		ManufacturerData: adv.ManufacturerData(),
		Services:         services,
		Connectable:      adv.Connectable(),
	}
}
