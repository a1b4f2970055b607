//go:build linux && amd64

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"simdguard/console"
)

// exitStatus carries the status of the traced program out of a command.
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "simdguard",
		Short: "Check how a program's vector register state survives calls, redirects and signals",
		Long: `simdguard runs a program under ptrace and applies one of its FP state
checkers to it, or attaches to a running process to look at its SIMD state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&opts.cfg.LogLevel, "log-level", defaultConfig.LogLevel, "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.cfg.LogFormat, "log-format", defaultConfig.LogFormat, "log format (text or json)")

	root.AddCommand(
		newScratchCmd(opts),
		newFPCheckCmd(opts),
		newInspectCmd(opts),
		newAlignCmd(),
	)
	return root
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()

	var st *exitStatus
	switch {
	case errors.As(err, &st):
		return st.code
	case err != nil:
		console.Stdout.LogError("%v", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
