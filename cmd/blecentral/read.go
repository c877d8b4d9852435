package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
)

type readOptions struct {
	hex   bool
	watch time.Duration
	count int
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <device-address> <service-uuid> <char-uuid>",
		Short: "Read a characteristic value",
		Long: `Reads a characteristic and prints its value.

Examples:
  # Battery level as hex
  blecentral read AA:BB:CC:DD:EE:FF 180f 2a19 --hex

  # Poll every 500ms, five times
  blecentral read AA:BB:CC:DD:EE:FF 180d 2a38 --watch 500ms --count 5`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Print hex instead of raw bytes")
	cmd.Flags().DurationVar(&opts.watch, "watch", 0, "Read repeatedly at this interval")
	cmd.Flags().IntVar(&opts.count, "count", 0, "Stop after this many reads in watch mode (0 for unlimited)")
	return cmd
}

func runRead(cmd *cobra.Command, args []string, opts *readOptions) error {
	addr, err := parseAddress(args[0])
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

	p, err := s.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer s.disconnect(ctx, p)

	c, err := s.characteristic(p, args[1], args[2])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for n := 1; ; n++ {
		data, err := s.read(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", central.ShortUUID(c.UUID), err)
		}
		fmt.Fprintln(out, formatValue(data, opts.hex))

		if opts.watch <= 0 || (opts.count > 0 && n >= opts.count) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.watch):
		}
	}
}

// formatValue renders data as upper-case hex or as raw text.
func formatValue(data []byte, asHex bool) string {
	if asHex {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	return string(data)
}

// parseValue decodes a command-line payload, hex when asHex is set.
func parseValue(s string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(s), nil
	}
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex value: %w", err)
	}
	return data, nil
}
