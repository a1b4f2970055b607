//go:build linux && amd64

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"simdguard/console"
	"simdguard/fpcheck"
	"simdguard/scratch"
	"simdguard/tracer"
)

func newScratchCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scratch [flags] -- program [args...]",
		Short: "Fill the upper YMM halves before every vector instruction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraced(cmd.Context(), opts.log, args, func(tr *tracer.Tracer) {
				scratch.New(tr).Register()
			})
		},
	}
}

func newFPCheckCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fpcheck [flags] -- program [args...]",
		Short: "Replace ReplacedXmmRegs and check XMM state across calls, redirects and signals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraced(cmd.Context(), opts.log, args, func(tr *tracer.Tracer) {
				fpcheck.New(tr, fpcheck.Options{
					ConstContext: opts.cfg.ConstContext,
					ThreadStart:  opts.cfg.ThreadStart,
					Exit:         exitNow,
				}).Register()
			})
		},
	}
	cmd.Flags().BoolVar(&opts.cfg.ConstContext, "const-context", false, "hand the replacement a read-only context")
	cmd.Flags().BoolVar(&opts.cfg.ThreadStart, "thread-start", false, "load a pattern into every new thread")
	return cmd
}

// exitNow ends the tool at once. The traced program dies with it.
func exitNow(code int) {
	console.Stdout.Flush()
	os.Exit(code)
}

// runTraced runs args[0] with the tools installed by register until it
// exits or the tool is interrupted.
func runTraced(ctx context.Context, log logrus.FieldLogger, args []string, register func(*tracer.Tracer)) error {
	tr, err := tracer.New(args[0], args[1:], log)
	if err != nil {
		return err
	}
	register(tr)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	var status int
	g.Go(func() error {
		defer cancel()
		var err error
		status, err = tr.Run(ctx)
		return err
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.WithField("signal", sig).Info("interrupted, stopping the program")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.WithField("status", status).Debug("program finished")
	if status != 0 {
		return &exitStatus{code: status}
	}
	return nil
}
