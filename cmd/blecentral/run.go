package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral"
	"github.com/srg/blecentral/internal/script"
)

type runOptions struct {
	timeout time.Duration
	eval    string
	builtin string
	args    map[string]string
}

func builtinNames() []string {
	names := make([]string, 0, len(blecentral.BuiltinScripts))
	for name := range blecentral.BuiltinScripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [script.lua]",
		Short: "Run a Lua script against the central",
		Long: fmt.Sprintf(`Runs a Lua program. The script registers handlers with ble.on(event, fn)
and starts operations through the ble table; it ends with ble.stop() or
when --timeout expires. Values given with --arg are visible as args.<key>.

Events: %s
Built-in scripts: %s

Examples:
  blecentral run --builtin inspect --arg address=AA:BB:CC:DD:EE:FF
  blecentral run --eval 'ble.on("discover", function(p) print(p.address) ble.stop() end) ble.scan()'`,
			strings.Join(script.EventNames(), ", "), strings.Join(builtinNames(), ", ")),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, args, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Stop the script after this long (0 for none)")
	cmd.Flags().StringVarP(&opts.eval, "eval", "e", "", "Run this Lua source instead of a file")
	cmd.Flags().StringVar(&opts.builtin, "builtin", "", "Run a built-in script ("+strings.Join(builtinNames(), ", ")+")")
	cmd.Flags().StringToStringVar(&opts.args, "arg", nil, "Script argument key=value (repeatable)")
	return cmd
}

func runScript(cmd *cobra.Command, args []string, opts *runOptions) error {
	sources := 0
	for _, set := range []bool{len(args) > 0, opts.eval != "", opts.builtin != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("provide exactly one of a script file, --eval or --builtin")
	}
	builtin, ok := blecentral.BuiltinScripts[opts.builtin]
	if opts.builtin != "" && !ok {
		return fmt.Errorf("unknown built-in script %q (want one of %s)", opts.builtin, strings.Join(builtinNames(), ", "))
	}
	cmd.SilenceUsage = true

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	engine := script.New(s.central, s.logger, cmd.OutOrStdout())
	defer engine.Close()
	engine.SetArgs(opts.args)

	switch {
	case opts.eval != "":
		err = engine.Load(opts.eval, "--eval")
	case opts.builtin != "":
		err = engine.Load(builtin, opts.builtin+".lua")
	default:
		err = engine.LoadFile(args[0])
	}
	if err != nil {
		return err
	}
	if engine.Stopped() {
		return nil
	}

	ctx, cancel := commandContext(cmd, opts.timeout)
	defer cancel()
	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
