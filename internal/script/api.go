package script

import (
	"fmt"
	"sort"

	"github.com/aarzilli/golua/lua"
	"github.com/srg/blecentral/internal/central"
)

// Events accepted by ble.on.
var events = map[string]bool{
	"discover":        true,
	"release":         true,
	"connect":         true,
	"disconnect":      true,
	"services":        true,
	"characteristics": true,
	"read":            true,
	"write":           true,
	"notify":          true,
	"descriptors":     true,
}

// EventNames lists the events ble.on accepts, sorted.
func EventNames() []string {
	names := make([]string, 0, len(events))
	for name := range events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type apiFunc struct {
	name string
	fn   lua.LuaGoFunction
}

// registerAPI installs the global ble table.
func (e *Engine) registerAPI() {
	L := e.state
	L.NewTable()
	for _, f := range []apiFunc{
		{"on", e.luaOn},
		{"stop", e.luaStop},
		{"scan", e.luaScan},
		{"stop_scan", e.luaStopScan},
		{"advertise", e.luaAdvertise},
		{"authorization", e.luaAuthorization},
		{"peripherals", e.luaPeripherals},
		{"services", e.luaServices},
		{"is_connected", e.luaIsConnected},
		{"connect", e.luaConnect},
		{"disconnect", e.luaDisconnect},
		{"release", e.luaRelease},
		{"discover_services", e.luaDiscoverServices},
		{"discover_characteristics", e.luaDiscoverCharacteristics},
		{"discover_descriptors", e.luaDiscoverDescriptors},
		{"read", e.luaRead},
		{"write", e.luaWrite},
		{"write_without_response", e.luaWriteWithoutResponse},
		{"subscribe", e.luaSubscribe},
	} {
		L.PushString(f.name)
		L.PushGoFunction(f.fn)
		L.SetTable(-3)
	}
	L.SetGlobal("ble")
}

func argString(L *lua.State, n int, fn string) string {
	if !L.IsString(n) {
		L.RaiseError(fmt.Sprintf("ble.%s: argument #%d must be a string", fn, n))
		return ""
	}
	return L.ToString(n)
}

func (e *Engine) argPeripheral(L *lua.State, n int, fn string) *central.Peripheral {
	s := argString(L, n, fn)
	addr, err := central.ParseAddress(s)
	if err != nil {
		L.RaiseError(fmt.Sprintf("ble.%s: %v", fn, err))
		return nil
	}
	p := e.central.FindPeripheral(addr)
	if p == nil {
		L.RaiseError(fmt.Sprintf("ble.%s: unknown peripheral %s", fn, addr))
	}
	return p
}

// argCharacteristic reads (address, service, characteristic) starting at 1.
func (e *Engine) argCharacteristic(L *lua.State, fn string) *central.Characteristic {
	p := e.argPeripheral(L, 1, fn)
	svc := argString(L, 2, fn)
	uuid := argString(L, 3, fn)
	c := e.central.FindCharacteristic(p, svc, uuid)
	if c == nil {
		L.RaiseError(fmt.Sprintf("ble.%s: characteristic %s/%s not found on %s", fn, svc, uuid, p.Address))
	}
	return c
}

func (e *Engine) luaOn(L *lua.State) int {
	event := argString(L, 1, "on")
	if !events[event] {
		L.RaiseError(fmt.Sprintf("ble.on: unknown event %q", event))
		return 0
	}
	if !L.IsFunction(2) {
		L.RaiseError("ble.on: argument #2 must be a function")
		return 0
	}
	if ref, ok := e.handlers[event]; ok {
		L.Unref(lua.LUA_REGISTRYINDEX, ref)
	}
	L.PushValue(2)
	e.handlers[event] = L.Ref(lua.LUA_REGISTRYINDEX)
	return 0
}

func (e *Engine) luaStop(*lua.State) int {
	e.stopped = true
	return 0
}

func (e *Engine) luaScan(L *lua.State) int {
	filter := ""
	if L.GetTop() >= 1 && !L.IsNil(1) {
		filter = argString(L, 1, "scan")
	}
	if err := e.central.Scan(filter); err != nil {
		L.RaiseError("ble.scan: " + err.Error())
	}
	return 0
}

func (e *Engine) luaStopScan(*lua.State) int {
	e.central.StopScan()
	return 0
}

func (e *Engine) luaAdvertise(*lua.State) int {
	e.central.StartAdvertise()
	return 0
}

func (e *Engine) luaAuthorization(L *lua.State) int {
	L.PushString(e.central.AuthorizationStatus().String())
	return 1
}

func (e *Engine) luaPeripherals(L *lua.State) int {
	L.NewTable()
	for i, p := range e.central.Peripherals() {
		L.PushInteger(int64(i + 1))
		pushPeripheral(L, p)
		L.SetTable(-3)
	}
	return 1
}

func (e *Engine) luaServices(L *lua.State) int {
	p := e.argPeripheral(L, 1, "services")
	L.NewTable()
	i := 0
	for _, s := range p.Services {
		if s.UUID == "" {
			continue
		}
		i++
		L.PushInteger(int64(i))
		L.NewTable()
		L.PushString(central.ShortUUID(s.UUID))
		L.SetField(-2, "uuid")
		L.NewTable()
		n := 0
		for _, c := range s.Characteristics {
			if c.UUID == "" {
				continue
			}
			n++
			L.PushInteger(int64(n))
			pushCharacteristic(L, c)
			L.SetTable(-3)
		}
		L.SetField(-2, "characteristics")
		L.SetTable(-3)
	}
	return 1
}

func (e *Engine) luaIsConnected(L *lua.State) int {
	p := e.argPeripheral(L, 1, "is_connected")
	L.PushBoolean(e.central.IsConnected(p))
	return 1
}

func (e *Engine) luaConnect(L *lua.State) int {
	e.central.Connect(e.argPeripheral(L, 1, "connect"))
	return 0
}

func (e *Engine) luaDisconnect(L *lua.State) int {
	e.central.Disconnect(e.argPeripheral(L, 1, "disconnect"))
	return 0
}

func (e *Engine) luaRelease(L *lua.State) int {
	e.central.ReleasePeripheral(e.argPeripheral(L, 1, "release"))
	return 0
}

func (e *Engine) luaDiscoverServices(L *lua.State) int {
	e.central.DiscoverServices(e.argPeripheral(L, 1, "discover_services"))
	return 0
}

func (e *Engine) luaDiscoverCharacteristics(L *lua.State) int {
	p := e.argPeripheral(L, 1, "discover_characteristics")
	uuid := argString(L, 2, "discover_characteristics")
	s := e.central.FindService(p, uuid)
	if s == nil {
		L.RaiseError(fmt.Sprintf("ble.discover_characteristics: service %s not found on %s", uuid, p.Address))
		return 0
	}
	e.central.DiscoverCharacteristics(p, s)
	return 0
}

func (e *Engine) luaDiscoverDescriptors(L *lua.State) int {
	e.central.DiscoverDescriptors(e.argCharacteristic(L, "discover_descriptors"))
	return 0
}

func (e *Engine) luaRead(L *lua.State) int {
	e.central.ReadCharacteristic(e.argCharacteristic(L, "read"))
	return 0
}

func (e *Engine) luaWrite(L *lua.State) int {
	c := e.argCharacteristic(L, "write")
	e.central.WriteCharacteristic(c, []byte(argString(L, 4, "write")))
	return 0
}

func (e *Engine) luaWriteWithoutResponse(L *lua.State) int {
	c := e.argCharacteristic(L, "write_without_response")
	e.central.WriteWithoutResponse(c, []byte(argString(L, 4, "write_without_response")))
	return 0
}

func (e *Engine) luaSubscribe(L *lua.State) int {
	e.central.SubscribeCharacteristic(e.argCharacteristic(L, "subscribe"), true)
	return 0
}

func pushPeripheral(L *lua.State, p *central.Peripheral) {
	L.NewTable()
	L.PushString(p.Address.String())
	L.SetField(-2, "address")
	L.PushString(p.Name)
	L.SetField(-2, "name")
	L.PushInteger(int64(p.RSSI))
	L.SetField(-2, "rssi")
	L.PushString(p.State.String())
	L.SetField(-2, "state")
}

func pushCharacteristic(L *lua.State, c *central.Characteristic) {
	L.NewTable()
	L.PushString(central.ShortUUID(c.UUID))
	L.SetField(-2, "uuid")
	if s := c.Service(); s != nil {
		L.PushString(central.ShortUUID(s.UUID))
		L.SetField(-2, "service")
	}
	L.PushString(c.Properties.String())
	L.SetField(-2, "properties")
}

// callbacks routes the central callback table into ble.on handlers. Data
// and error codes follow the peripheral argument.
func (e *Engine) callbacks() *central.Callbacks {
	withPeripheral := func(p *central.Peripheral) func(*lua.State) int {
		return func(L *lua.State) int {
			pushPeripheral(L, p)
			return 1
		}
	}
	withCode := func(p *central.Peripheral, code int) func(*lua.State) int {
		return func(L *lua.State) int {
			pushPeripheral(L, p)
			L.PushInteger(int64(code))
			return 2
		}
	}
	withCharacteristic := func(p *central.Peripheral, c *central.Characteristic, code int) func(*lua.State) int {
		return func(L *lua.State) int {
			pushPeripheral(L, p)
			pushCharacteristic(L, c)
			L.PushInteger(int64(code))
			return 3
		}
	}

	return &central.Callbacks{
		DiscoverPeripheral: func(p *central.Peripheral) {
			e.dispatch("discover", withPeripheral(p))
		},
		ReleasePeripheral: func(p *central.Peripheral) {
			e.dispatch("release", withPeripheral(p))
		},
		ConnectPeripheral: func(p *central.Peripheral, err int) {
			e.dispatch("connect", withCode(p, err))
		},
		DisconnectPeripheral: func(p *central.Peripheral, err int) {
			e.dispatch("disconnect", withCode(p, err))
		},
		DiscoverServices: func(p *central.Peripheral, err int) {
			e.dispatch("services", withCode(p, err))
		},
		DiscoverCharacteristics: func(p *central.Peripheral, s *central.Service, err int) {
			e.dispatch("characteristics", func(L *lua.State) int {
				pushPeripheral(L, p)
				L.PushString(central.ShortUUID(s.UUID))
				L.PushInteger(int64(err))
				return 3
			})
		},
		ReadCharacteristic: func(p *central.Peripheral, c *central.Characteristic, data []byte) {
			e.dispatch("read", func(L *lua.State) int {
				pushPeripheral(L, p)
				pushCharacteristic(L, c)
				L.PushString(string(data))
				return 3
			})
		},
		WriteCharacteristic: func(p *central.Peripheral, c *central.Characteristic, err int) {
			e.dispatch("write", withCharacteristic(p, c, err))
		},
		NotifyCharacteristic: func(p *central.Peripheral, c *central.Characteristic, err int) {
			e.dispatch("notify", withCharacteristic(p, c, err))
		},
		DiscoverDescriptors: func(p *central.Peripheral, c *central.Characteristic, err int) {
			e.dispatch("descriptors", withCharacteristic(p, c, err))
		},
	}
}
