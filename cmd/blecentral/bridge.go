package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/central"
	"github.com/srg/blecentral/internal/ptybridge"
)

// Nordic UART Service, the usual serial-over-BLE profile.
const (
	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

type bridgeOptions struct {
	tx      string
	rx      string
	symlink string
	chunk   int
}

func newBridgeCmd() *cobra.Command {
	opts := &bridgeOptions{}
	cmd := &cobra.Command{
		Use:   "bridge <device-address>",
		Short: "Expose a peripheral as a pseudo-terminal",
		Long: `Bridges a peripheral to a PTY: bytes written to the terminal go to the TX
characteristic and RX notifications come back out. Characteristics are
given as service/characteristic; the Nordic UART Service is the default.

Examples:
  blecentral bridge AA:BB:CC:DD:EE:FF --symlink /tmp/ble-uart
  blecentral bridge AA:BB:CC:DD:EE:FF --tx 180d/2a39 --rx 180d/2a37`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.tx, "tx", nusService+"/"+nusRX, "Characteristic receiving terminal input (service/char)")
	cmd.Flags().StringVar(&opts.rx, "rx", nusService+"/"+nusTX, "Characteristic whose notifications go to the terminal (service/char)")
	cmd.Flags().StringVar(&opts.symlink, "symlink", "", "Create a symlink to the PTY")
	cmd.Flags().IntVar(&opts.chunk, "chunk", ptybridge.DefaultChunkSize, "Maximum bytes per characteristic write")
	return cmd
}

func splitCharacteristic(s string) (svc, char string, err error) {
	svc, char, ok := strings.Cut(s, "/")
	if !ok || svc == "" || char == "" {
		return "", "", fmt.Errorf("invalid characteristic %q: want service/characteristic", s)
	}
	return svc, char, nil
}

func runBridge(cmd *cobra.Command, address string, opts *bridgeOptions) error {
	addr, err := parseAddress(address)
	if err != nil {
		return err
	}
	txSvc, txChar, err := splitCharacteristic(opts.tx)
	if err != nil {
		return err
	}
	rxSvc, rxChar, err := splitCharacteristic(opts.rx)
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

	tx, err := s.characteristic(p, txSvc, txChar)
	if err != nil {
		return err
	}
	rx, err := s.characteristic(p, rxSvc, rxChar)
	if err != nil {
		return err
	}

	pty, err := ptybridge.Open(ptybridge.Options{Symlink: opts.symlink, Logger: s.logger})
	if err != nil {
		return err
	}
	defer pty.Close()

	bridge, err := ptybridge.New(s.central, pty, ptybridge.Config{
		TX:        tx,
		RX:        rx,
		ChunkSize: opts.chunk,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}

	// The bridge chains onto the session table so awaits keep working.
	bridge.Attach(s.callbacks())
	if err := s.subscribe(ctx, rx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", central.ShortUUID(rx.UUID), err)
	}

	tty := pty.TTYName()
	if link := pty.Symlink(); link != "" {
		tty = link + " -> " + tty
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Bridging %s on %s (Ctrl+C to stop)\n", p.DisplayName(), tty)
	return bridge.Run(ctx)
}
