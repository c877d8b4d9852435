//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/central"
)

// DeviceFactory has no native device on this platform.
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble does not support %s", central.ErrBackendUnavailable, runtime.GOOS)
}

func available() bool { return false }
