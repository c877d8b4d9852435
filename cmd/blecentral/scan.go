package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
)

const watchRefresh = time.Second

type scanOptions struct {
	duration time.Duration
	service  string
	format   string
	watch    bool
}

// scanEntry is one row of the scan table.
type scanEntry struct {
	Address          string    `json:"address"`
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	LastSeen         time.Time `json:"last_seen"`
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE peripherals",
		Long: `Scans for advertising peripherals and prints the ones seen.

Examples:
  blecentral scan --duration 5s
  blecentral scan --service 180d --format json
  blecentral scan --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config, 0 with --watch for indefinite)")
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "Only report peripherals advertising this service UUID")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Redraw the table while scanning")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	if opts.format != "table" && opts.format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", opts.format)
	}
	if opts.service != "" {
		if _, err := central.CanonicalUUID(opts.service); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	duration := opts.duration
	if duration == 0 && !opts.watch {
		duration = s.cfg.ScanTimeout
	}
	ctx, cancel := commandContext(cmd, duration)
	defer cancel()

	seen := hashmap.New[string, scanEntry]()
	s.onDiscover = func(p *central.Peripheral) {
		seen.Set(p.Address.String(), scanEntry{
			Address:          p.Address.String(),
			Name:             p.Name,
			RSSI:             p.RSSI,
			ManufacturerData: hex.EncodeToString(p.ManufacturerData),
			LastSeen:         time.Now(),
		})
	}

	out := cmd.OutOrStdout()
	stopWatch := func() {}
	if opts.watch {
		stopWatch = watchTable(ctx, out, seen)
	} else {
		p := newProgress(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", duration)
		p.Start()
		defer p.Stop()
	}

	if err := s.central.Scan(opts.service); err != nil {
		return fmt.Errorf("failed to start scan: %w", err)
	}
	for {
		if err := s.pump(ctx); err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				return err
			}
			break
		}
	}
	s.central.StopScan()
	stopWatch()

	entries := sortedEntries(seen)
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if opts.watch {
		clearScreen(out)
	}
	return printScanTable(out, entries)
}

// watchTable redraws the table from a separate goroutine until ctx ends.
func watchTable(ctx context.Context, out io.Writer, seen *hashmap.Map[string, scanEntry]) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(watchRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				clearScreen(out)
				_ = printScanTable(out, sortedEntries(seen))
			}
		}
	}()
	return func() { <-done }
}

func sortedEntries(seen *hashmap.Map[string, scanEntry]) []scanEntry {
	entries := make([]scanEntry, 0, seen.Len())
	seen.Range(func(_ string, e scanEntry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RSSI != entries[j].RSSI {
			return entries[i].RSSI > entries[j].RSSI
		}
		return entries[i].Address < entries[j].Address
	})
	return entries
}

func printScanTable(out io.Writer, entries []scanEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	name := color.New(color.FgCyan, color.Bold)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tMANUFACTURER DATA")
	fmt.Fprintln(w, strings.Repeat("-", 60))
	for _, e := range entries {
		label := e.Name
		if label == "" {
			label = "(unknown)"
		}
		if len(label) > 20 {
			label = label[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Address, name.Sprint(label), rssiColor(e.RSSI), e.ManufacturerData)
	}
	return w.Flush()
}

// rssiColor grades the signal: green above -60 dBm, red below -80 dBm.
func rssiColor(rssi int) string {
	text := fmt.Sprintf("%d dBm", rssi)
	switch {
	case rssi >= -60:
		return color.GreenString(text)
	case rssi <= -80:
		return color.RedString(text)
	default:
		return color.YellowString(text)
	}
}

func clearScreen(out io.Writer) {
	fmt.Fprint(out, "\033[2J\033[H")
}
