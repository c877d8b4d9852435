// Package blecentral embeds the Lua scripts shipped with the CLI.
package blecentral

import _ "embed"

// ScanScript prints every peripheral the first time it is seen.
//
//go:embed examples/scan.lua
var ScanScript string

// InspectScript connects to args.address, or the first peripheral seen,
// prints its GATT table and reads every readable characteristic.
//
//go:embed examples/inspect.lua
var InspectScript string

// BuiltinScripts maps `blecentral run --builtin` names to script sources.
var BuiltinScripts = map[string]string{
	"scan":    ScanScript,
	"inspect": InspectScript,
}
