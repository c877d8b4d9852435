//go:build !linux

// Package paypalgatt is the paypal/gatt backend for Linux HCI adapters. On
// other platforms the driver reports itself unavailable.
package paypalgatt

import (
	"fmt"

	"github.com/srg/blecentral/internal/central"
)

const Name = "paypal-gatt"

func Driver() central.Driver {
	return central.Driver{
		Name:      Name,
		Available: func() bool { return false },
		New: func(central.Env) (central.Backend, error) {
			return nil, fmt.Errorf("%w: %s requires linux", central.ErrBackendUnavailable, Name)
		},
	}
}
