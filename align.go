//go:build linux && amd64

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"simdguard/abi"
)

var archNames = map[string]abi.Arch{
	"amd64":        abi.ArchAMD64,
	"ia32":         abi.ArchIA32Unix,
	"ia32-windows": abi.ArchIA32Windows,
}

func newAlignCmd() *cobra.Command {
	var (
		required int32
		arch     string
	)
	cmd := &cobra.Command{
		Use:   "align <current>",
		Short: "Print how far to lower a stack pointer before redirecting to a function",
		Long: `align prints the adjustment that makes a stack whose pointer is at
<current> modulo 16 look like a fresh function entry. --required sets the
expected alignment explicitly; otherwise it comes from --arch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := strconv.ParseInt(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("current alignment: %w", err)
			}
			a, ok := archNames[arch]
			if !ok {
				return fmt.Errorf("unknown arch %q", arch)
			}
			want := abi.EntryAlignment(a)
			if cmd.Flags().Changed("required") {
				want = required
			}
			fmt.Fprintln(cmd.OutOrStdout(), abi.StackAdjustment(int32(current%16), want))
			return nil
		},
	}
	cmd.Flags().Int32Var(&required, "required", 0, "required stack alignment at function entry")
	cmd.Flags().StringVar(&arch, "arch", "amd64", "calling convention: amd64, ia32 or ia32-windows")
	return cmd
}
