package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/ptybridge"
	"github.com/srg/blecentral/internal/script"
)

// ErrConnectionLost indicates the peripheral dropped while a command was
// using it.
var ErrConnectionLost = ptybridge.ErrConnectionLost

// FormatUserError turns internal errors into a one-line message with a hint
// where one helps.
func FormatUserError(err error) string {
	var (
		nerr *central.NativeError
		cerr *central.CapabilityError
		lerr *script.Error
	)
	switch {
	case errors.Is(err, central.ErrDisabled):
		return "BLE support is disabled (set enabled: true in the config file)"
	case errors.Is(err, central.ErrBackendUnavailable):
		return fmt.Sprintf("%v\nHint: is Bluetooth turned on? Use --backend sim to try the simulator", err)
	case errors.As(err, &cerr):
		return cerr.Error()
	case errors.Is(err, ErrConnectionLost):
		return "connection lost: the device disconnected"
	case errors.As(err, &nerr) && nerr.Code == central.EFAULT:
		return fmt.Sprintf("%v (device unreachable or operation rejected)", err)
	case errors.As(err, &lerr):
		return lerr.Error()
	case errors.Is(err, central.ErrNotFound):
		return fmt.Sprintf("%v\nHint: run 'blecentral scan' to list nearby devices", err)
	default:
		return err.Error()
	}
}
