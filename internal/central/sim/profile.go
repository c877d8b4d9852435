package sim

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/srg/blecentral/internal/central"
	"gopkg.in/yaml.v3"
)

// Profile describes the simulated radio environment. YAML and JSON are both
// accepted.
//
//	peripherals:
//	  - address: "AA:BB:CC:DD:EE:FF"
//	    name: "HeartRate"
//	    rssi: -60
//	    manufacturer_data: "4c000215"
//	    services:
//	      - uuid: "180d"
//	        characteristics:
//	          - uuid: "2a37"
//	            properties: [notify]
//	            value: "0048"
type Profile struct {
	Peripherals []PeripheralProfile `yaml:"peripherals" json:"peripherals"`
}

type PeripheralProfile struct {
	Address          string           `yaml:"address" json:"address"`
	Name             string           `yaml:"name" json:"name"`
	RSSI             int              `yaml:"rssi" json:"rssi"`
	ManufacturerData string           `yaml:"manufacturer_data" json:"manufacturer_data"`
	Services         []ServiceProfile `yaml:"services" json:"services"`
}

type ServiceProfile struct {
	UUID            string                  `yaml:"uuid" json:"uuid"`
	Characteristics []CharacteristicProfile `yaml:"characteristics" json:"characteristics"`
}

type CharacteristicProfile struct {
	UUID       string   `yaml:"uuid" json:"uuid"`
	Properties []string `yaml:"properties" json:"properties"`
	Value      string   `yaml:"value" json:"value"`
}

// LoadProfile reads a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulation profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates a profile document.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse simulation profile: %w", err)
	}
	if _, err := p.build(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DefaultProfile is a single heart-rate sensor with a battery service.
func DefaultProfile() *Profile {
	return &Profile{
		Peripherals: []PeripheralProfile{
			{
				Address: "AA:BB:CC:DD:EE:FF",
				Name:    "HeartRate",
				RSSI:    -60,
				Services: []ServiceProfile{
					{
						UUID: "180f",
						Characteristics: []CharacteristicProfile{
							{UUID: "2a19", Properties: []string{"read", "notify"}, Value: "55"},
						},
					},
					{
						UUID: "180d",
						Characteristics: []CharacteristicProfile{
							{UUID: "2a37", Properties: []string{"notify"}, Value: "0048"},
							{UUID: "2a38", Properties: []string{"read"}, Value: "01"},
							{UUID: "2a39", Properties: []string{"write", "write-without-response"}},
						},
					},
				},
			},
		},
	}
}

func (p *Profile) build() ([]*device, error) {
	devices := make([]*device, 0, len(p.Peripherals))
	for i, pp := range p.Peripherals {
		addr, err := central.ParseAddress(pp.Address)
		if err != nil {
			return nil, fmt.Errorf("peripheral %d: %w", i, err)
		}
		mfg, err := decodeHex(pp.ManufacturerData)
		if err != nil {
			return nil, fmt.Errorf("peripheral %s: manufacturer data: %w", pp.Address, err)
		}

		d := &device{addr: addr, name: pp.Name, rssi: pp.RSSI, mfg: mfg}
		for _, sp := range pp.Services {
			uuid, err := central.CanonicalUUID(sp.UUID)
			if err != nil {
				return nil, fmt.Errorf("peripheral %s: %w", pp.Address, err)
			}
			s := &service{uuid: uuid}
			for _, cp := range sp.Characteristics {
				c, err := buildCharacteristic(cp)
				if err != nil {
					return nil, fmt.Errorf("peripheral %s service %s: %w", pp.Address, sp.UUID, err)
				}
				s.chars = append(s.chars, c)
			}
			d.services = append(d.services, s)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func buildCharacteristic(cp CharacteristicProfile) (*characteristic, error) {
	uuid, err := central.CanonicalUUID(cp.UUID)
	if err != nil {
		return nil, err
	}
	var props central.Properties
	for _, name := range cp.Properties {
		flag, ok := central.ParseProperty(name)
		if !ok {
			return nil, fmt.Errorf("characteristic %s: unknown property %q", cp.UUID, name)
		}
		props |= flag
	}
	value, err := decodeHex(cp.Value)
	if err != nil {
		return nil, fmt.Errorf("characteristic %s: value: %w", cp.UUID, err)
	}
	return &characteristic{uuid: uuid, props: props, value: value}, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
