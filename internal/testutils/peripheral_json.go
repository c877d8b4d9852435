package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blecentral/internal/central"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Placeholder matches any present value in expected JSON.
const Placeholder = "<<PRESENCE>>"

type characteristicJSON struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties"`
}

type serviceJSON struct {
	UUID            string               `json:"uuid"`
	Characteristics []characteristicJSON `json:"characteristics"`
}

type peripheralJSON struct {
	Address  string        `json:"address"`
	Name     string        `json:"name"`
	RSSI     int           `json:"rssi"`
	State    string        `json:"state"`
	Services []serviceJSON `json:"services"`
}

// PeripheralJSON renders the registry view of p with short UUIDs. Empty
// service and characteristic slots are omitted.
func PeripheralJSON(p *central.Peripheral) string {
	out := peripheralJSON{
		Address:  p.Address.String(),
		Name:     p.Name,
		RSSI:     p.RSSI,
		State:    p.State.String(),
		Services: []serviceJSON{},
	}
	for _, s := range p.Services {
		if s.UUID == "" {
			continue
		}
		sj := serviceJSON{UUID: central.ShortUUID(s.UUID), Characteristics: []characteristicJSON{}}
		for _, c := range s.Characteristics {
			if c.UUID == "" {
				continue
			}
			sj.Characteristics = append(sj.Characteristics, characteristicJSON{
				UUID:       central.ShortUUID(c.UUID),
				Properties: c.Properties.String(),
			})
		}
		out.Services = append(out.Services, sj)
	}
	data, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONOptions controls JSON comparison.
type JSONOptions struct {
	// IgnoreExtraKeys drops object keys absent from expected.
	IgnoreExtraKeys bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

type JSONOption func(*JSONOptions)

func StrictKeys() JSONOption { return func(o *JSONOptions) { o.IgnoreExtraKeys = false } }

func IgnoreFields(fields ...string) JSONOption {
	return func(o *JSONOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

// AssertPeripheral compares the registry view of p with expected.
func AssertPeripheral(t TestingT, p *central.Peripheral, expected string, opts ...JSONOption) bool {
	t.Helper()
	return AssertJSON(t, PeripheralJSON(p), expected, opts...)
}

// AssertJSON fails t with an ASCII diff when the documents differ.
func AssertJSON(t TestingT, actual, expected string, opts ...JSONOption) bool {
	t.Helper()
	if diff := JSONDiff(actual, expected, opts...); diff != "" {
		t.Errorf("JSON mismatch:\n%s", diff)
		return false
	}
	return true
}

// JSONDiff returns "" when the documents match under opts.
func JSONDiff(actual, expected string, opts ...JSONOption) string {
	o := JSONOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}

	var want, got any
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &got); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only.
	if _, ok := want.([]any); ok {
		want = map[string]any{"array": want}
		got = map[string]any{"array": got}
	}

	fillPlaceholders(want, got)
	for _, f := range o.IgnoredFields {
		dropField(want, f)
		dropField(got, f)
	}
	if o.IgnoreExtraKeys {
		pruneExtra(got, want)
	}

	wantBytes, _ := json.Marshal(want)
	gotBytes, _ := json.Marshal(got)
	diff, err := gojsondiff.New().Compare(wantBytes, gotBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	wantMap, _ := want.(map[string]any)
	text, _ := formatter.NewAsciiFormatter(wantMap, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	return text
}

// fillPlaceholders copies actual values over Placeholder strings.
func fillPlaceholders(want, got any) {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return
		}
		for k, v := range w {
			if s, ok := v.(string); ok && s == Placeholder {
				if gv, present := g[k]; present {
					w[k] = gv
				}
				continue
			}
			fillPlaceholders(v, g[k])
		}
	case []any:
		g, ok := got.([]any)
		if !ok {
			return
		}
		for i := range w {
			if i < len(g) {
				fillPlaceholders(w[i], g[i])
			}
		}
	}
}

func pruneExtra(got, want any) {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok {
			return
		}
		for k := range g {
			if _, keep := w[k]; !keep {
				delete(g, k)
			}
		}
		for k := range w {
			pruneExtra(g[k], w[k])
		}
	case []any:
		g, ok := got.([]any)
		if !ok {
			return
		}
		for i := range w {
			if i < len(g) {
				pruneExtra(g[i], w[i])
			}
		}
	}
}

func dropField(v any, field string) {
	switch x := v.(type) {
	case map[string]any:
		delete(x, field)
		for _, child := range x {
			dropField(child, field)
		}
	case []any:
		for _, child := range x {
			dropField(child, field)
		}
	}
}
