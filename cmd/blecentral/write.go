package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
)

type writeOptions struct {
	hex        bool
	noResponse bool
}

func newWriteCmd() *cobra.Command {
	opts := &writeOptions{}
	cmd := &cobra.Command{
		Use:   "write <device-address> <service-uuid> <char-uuid> <value>",
		Short: "Write a characteristic value",
		Long: `Writes a value to a characteristic. A confirmed write is used when the
characteristic supports it unless --no-response is given.

Examples:
  blecentral write AA:BB:CC:DD:EE:FF 180d 2a39 01 --hex
  blecentral write AA:BB:CC:DD:EE:FF 180d 2a39 "reset" --no-response`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Value is hex encoded")
	cmd.Flags().BoolVar(&opts.noResponse, "no-response", false, "Write without response")
	return cmd
}

func runWrite(cmd *cobra.Command, args []string, opts *writeOptions) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	data, err := parseValue(args[3], opts.hex)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("value must not be empty")
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
	if err := s.write(ctx, c, data, opts.noResponse); err != nil {
		return fmt.Errorf("failed to write %s: %w", central.ShortUUID(c.UUID), err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), central.ShortUUID(c.UUID))
	return nil
}
