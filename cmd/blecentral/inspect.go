package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
)

type inspectOptions struct {
	format string
	read   bool
}

type inspectCharacteristic struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties"`
	Value      string `json:"value,omitempty"`
}

type inspectService struct {
	UUID            string                  `json:"uuid"`
	Characteristics []inspectCharacteristic `json:"characteristics"`
}

type inspectReport struct {
	Address       string           `json:"address"`
	Name          string           `json:"name,omitempty"`
	RSSI          int              `json:"rssi"`
	Authorization string           `json:"authorization"`
	Services      []inspectService `json:"services"`
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Connect and list services and characteristics",
		Long: `Connects to a peripheral, discovers its GATT table and prints it.

Examples:
  blecentral inspect AA:BB:CC:DD:EE:FF
  blecentral inspect AA:BB:CC:DD:EE:FF --read --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format (text, json)")
	cmd.Flags().BoolVar(&opts.read, "read", false, "Read every readable characteristic")
	return cmd
}

func runInspect(cmd *cobra.Command, address string, opts *inspectOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", opts.format)
	}
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := commandContext(cmd, 0)
	defer cancel()

	progress := newProgress(cmd.ErrOrStderr(), "Inspecting "+addr.String(), "Connecting", 0)
	progress.Start()
	p, err := s.connect(ctx, addr)
	if err != nil {
		progress.Stop()
		return err
	}
	defer s.disconnect(ctx, p)

	report := inspectReport{
		Address:       p.Address.String(),
		Name:          p.Name,
		RSSI:          p.RSSI,
		Authorization: s.central.AuthorizationStatus().String(),
		Services:      []inspectService{},
	}
	progress.Phase("Reading")
	for _, svc := range p.Services {
		if svc.UUID == "" {
			continue
		}
		is := inspectService{UUID: central.ShortUUID(svc.UUID), Characteristics: []inspectCharacteristic{}}
		for _, c := range svc.Characteristics {
			if c.UUID == "" {
				continue
			}
			ic := inspectCharacteristic{UUID: central.ShortUUID(c.UUID), Properties: c.Properties.String()}
			if opts.read && c.Properties.CanRead() {
				data, err := s.read(ctx, c)
				if err != nil {
					progress.Stop()
					return fmt.Errorf("failed to read %s: %w", ic.UUID, err)
				}
				ic.Value = hex.EncodeToString(data)
			}
			is.Characteristics = append(is.Characteristics, ic)
		}
		report.Services = append(report.Services, is)
	}
	progress.Stop()

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printInspectReport(out, report)
	return nil
}

func printInspectReport(out io.Writer, r inspectReport) {
	title := color.New(color.Bold)
	svc := color.New(color.FgCyan)

	name := r.Name
	if name == "" {
		name = "(unknown)"
	}
	title.Fprintf(out, "%s %s", name, r.Address)
	fmt.Fprintf(out, " rssi=%d authorization=%s\n", r.RSSI, r.Authorization)
	for _, s := range r.Services {
		svc.Fprintf(out, "  service %s\n", s.UUID)
		for _, c := range s.Characteristics {
			fmt.Fprintf(out, "    characteristic %s [%s]", c.UUID, c.Properties)
			if c.Value != "" {
				fmt.Fprintf(out, " = %s", c.Value)
			}
			fmt.Fprintln(out)
		}
	}
}
