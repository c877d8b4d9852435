package central

import (
	"errors"
	"fmt"
	"strings"
)

// EFAULT is the generic native failure code reported for involuntary
// disconnects and failed native calls.
const EFAULT = -14

var (
	ErrNotFound           = errors.New("not found")
	ErrCapabilityDenied   = errors.New("capability denied")
	ErrBackendUnavailable = errors.New("no BLE backend available")
	ErrDisabled           = errors.New("BLE support disabled")
	ErrNotInitialized     = errors.New("BLE core not initialized")
	ErrRegistryFull       = errors.New("peripheral registry full")
)

// NotFoundError reports a UUID or cookie lookup miss.
type NotFoundError struct {
	Resource string // "peripheral", "service", "characteristic"
	Key      string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.Key)
}

// Is makes errors.Is(err, ErrNotFound) match any NotFoundError.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CapabilityError names the operation a characteristic does not support.
type CapabilityError struct {
	Op   string
	UUID string
	Have Properties
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("characteristic %s does not support %s (properties: %s)", e.UUID, e.Op, e.Have)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityDenied
}

// NativeError carries a non-zero native stack error code.
type NativeError struct {
	Op   string
	Code int
	Err  error
}

func (e *NativeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s failed (code %d)", e.Op, e.Code)
}

func (e *NativeError) Unwrap() error {
	return e.Err
}

// ErrorCode converts an error into the integer code passed to application
// callbacks: nil is 0, a NativeError keeps its code, anything else is EFAULT.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var nerr *NativeError
	if errors.As(err, &nerr) && nerr.Code != 0 {
		return nerr.Code
	}
	return EFAULT
}

// requireCapability checks that c supports op.
func requireCapability(c *Characteristic, op string, flags Properties) error {
	if c.Properties.Has(flags) {
		return nil
	}
	return &CapabilityError{Op: op, UUID: c.UUID, Have: c.Properties}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps common native error messages onto the sentinels above,
// wrapping the original error. Backends run their own errors through it.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	case containsIgnoreCase(msg, "not found"):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	default:
		return err
	}
}
