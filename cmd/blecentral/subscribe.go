package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
)

type subscribeOptions struct {
	hex      bool
	count    int
	duration time.Duration
}

func newSubscribeCmd() *cobra.Command {
	opts := &subscribeOptions{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> <service-uuid> <char-uuid>",
		Short: "Print characteristic notifications",
		Long: `Enables notifications (or indications) and prints every value received.

Examples:
  blecentral subscribe AA:BB:CC:DD:EE:FF 180d 2a37 --hex
  blecentral subscribe AA:BB:CC:DD:EE:FF 180d 2a37 --count 10`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Print hex instead of raw bytes")
	cmd.Flags().IntVar(&opts.count, "count", 0, "Stop after this many notifications (0 for unlimited)")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 for Ctrl+C)")
	return cmd
}

func runSubscribe(cmd *cobra.Command, args []string, opts *subscribeOptions) error {
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

	ctx, cancel := commandContext(cmd, opts.duration)
	defer cancel()

	p, err := s.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer s.disconnect(context.Background(), p)

	c, err := s.characteristic(p, args[1], args[2])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	received := 0
	s.onNotify = func(from *central.Characteristic, data []byte) {
		if from != c {
			return
		}
		received++
		fmt.Fprintln(out, formatValue(data, opts.hex))
	}
	if err := s.subscribe(ctx, c); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", central.ShortUUID(c.UUID), err)
	}

	for opts.count == 0 || received < opts.count {
		if s.lost[p] {
			return ErrConnectionLost
		}
		if err := s.pump(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
	return nil
}
