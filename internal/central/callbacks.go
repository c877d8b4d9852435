package central

// Callbacks is the application callback table. Any field may be nil. err
// parameters are 0 on success and a non-zero native code otherwise.
//
// Callbacks run on the owning goroutine, from Central.Pump or from inside a
// dispatcher call when the backend is synchronous.
type Callbacks struct {
	DiscoverPeripheral      func(p *Peripheral)
	ReleasePeripheral       func(p *Peripheral)
	ConnectPeripheral       func(p *Peripheral, err int)
	DisconnectPeripheral    func(p *Peripheral, err int)
	DiscoverServices        func(p *Peripheral, err int)
	DiscoverCharacteristics func(p *Peripheral, s *Service, err int)
	ReadCharacteristic      func(p *Peripheral, c *Characteristic, data []byte)
	WriteCharacteristic     func(p *Peripheral, c *Characteristic, err int)
	NotifyCharacteristic    func(p *Peripheral, c *Characteristic, err int)
	DiscoverDescriptors     func(p *Peripheral, c *Characteristic, err int)
}

// The helpers below are nil-safe on both the table and the field.

func (cb *Callbacks) discoverPeripheral(p *Peripheral) {
	if cb != nil && cb.DiscoverPeripheral != nil {
		cb.DiscoverPeripheral(p)
	}
}

func (cb *Callbacks) releasePeripheral(p *Peripheral) {
	if cb != nil && cb.ReleasePeripheral != nil {
		cb.ReleasePeripheral(p)
	}
}

func (cb *Callbacks) connectPeripheral(p *Peripheral, err int) {
	if cb != nil && cb.ConnectPeripheral != nil {
		cb.ConnectPeripheral(p, err)
	}
}

func (cb *Callbacks) disconnectPeripheral(p *Peripheral, err int) {
	if cb != nil && cb.DisconnectPeripheral != nil {
		cb.DisconnectPeripheral(p, err)
	}
}

func (cb *Callbacks) discoverServices(p *Peripheral, err int) {
	if cb != nil && cb.DiscoverServices != nil {
		cb.DiscoverServices(p, err)
	}
}

func (cb *Callbacks) discoverCharacteristics(p *Peripheral, s *Service, err int) {
	if cb != nil && cb.DiscoverCharacteristics != nil {
		cb.DiscoverCharacteristics(p, s, err)
	}
}

func (cb *Callbacks) readCharacteristic(p *Peripheral, c *Characteristic, data []byte) {
	if cb != nil && cb.ReadCharacteristic != nil {
		cb.ReadCharacteristic(p, c, data)
	}
}

func (cb *Callbacks) writeCharacteristic(p *Peripheral, c *Characteristic, err int) {
	if cb != nil && cb.WriteCharacteristic != nil {
		cb.WriteCharacteristic(p, c, err)
	}
}

func (cb *Callbacks) notifyCharacteristic(p *Peripheral, c *Characteristic, err int) {
	if cb != nil && cb.NotifyCharacteristic != nil {
		cb.NotifyCharacteristic(p, c, err)
	}
}

func (cb *Callbacks) discoverDescriptors(p *Peripheral, c *Characteristic, err int) {
	if cb != nil && cb.DiscoverDescriptors != nil {
		cb.DiscoverDescriptors(p, c, err)
	}
}
