// Package central implements the BLE central-role management core.
//
// A Central owns the peripheral registry and dispatches application requests
// to one platform backend chosen at Init. The package provides:
//   - Peripheral, Service and Characteristic models with backend-owned cookies
//   - A registry that de-duplicates discoveries and releases cookies exactly once
//   - An event relay that moves native callbacks from foreign goroutines onto
//     the owning goroutine (see Central.Post and Central.Pump)
//   - An application callback table (Callbacks)
//
// Central and Registry are not safe for concurrent use. Everything except
// Central.Post must run on the goroutine that owns the Central.
package central
