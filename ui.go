//go:build linux && amd64

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"simdguard/console"
	"simdguard/engine"
	"simdguard/tracer"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var pid int
	cmd := &cobra.Command{
		Use:   "inspect -p pid",
		Short: "Attach to a process and look at its SIMD state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := tracer.Attach(pid, opts.log)
			if err != nil {
				return fmt.Errorf("attach %d: %w", pid, err)
			}
			defer func() {
				if err := p.Detach(); err != nil {
					console.Stdout.LogError("detach: %v", err)
				}
			}()

			var sym symbolizer
			if img := p.Image(); img != nil {
				sym = img
			}
			s := newSession(p, sym, console.Stdout)
			return s.interactive(opts.cfg.HistoryFile)
		},
	}
	cmd.Flags().IntVarP(&pid, "pid", "p", 0, "process id")
	cmd.Flags().StringVar(&opts.cfg.HistoryFile, "history", defaultConfig.HistoryFile, "console history file")
	cmd.MarkFlagRequired("pid")
	return cmd
}

func pickThread(tids []int, cur int) (int, error) {
	items := make([]string, len(tids))
	pos := 0
	for i, tid := range tids {
		items[i] = strconv.Itoa(tid)
		if tid == cur {
			pos = i
		}
	}
	prompt := promptui.Select{
		Label:     "thread",
		Items:     items,
		CursorPos: pos,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return 0, err
	}
	return tids[i], nil
}

func (s *session) prompt() string {
	ctx, err := s.t.Context()
	if err != nil {
		return "[simdguard]$ "
	}
	pc := ctx.Reg(engine.RegInstPtr)
	if s.out.Color() {
		return fmt.Sprintf("[%ssimdguard%s:%d:%s0x%x%s]$ ", console.ColorCyan, console.ColorReset, s.t.Tid(), console.ColorCyan, pc, console.ColorReset)
	}
	return fmt.Sprintf("[simdguard:%d:0x%x]$ ", s.t.Tid(), pc)
}

// interactive reads commands until detach or end of input. An empty line
// repeats the previous command.
func (s *session) interactive(history string) error {
	// Ctrl+C while the thread runs stops it again.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			if err := s.t.Interrupt(); err != nil {
				s.out.LogError("interrupt: %v", err)
			}
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "[simdguard]$ ",
		HistoryFile:       history,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		FuncFilterInputRune: func(r rune) (rune, bool) {
			switch r {
			case readline.CharCtrlZ:
				return r, false
			}
			return r, true
		},
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	if err := s.where(); err != nil {
		s.out.LogError("%v", err)
	}

	prev := ""
	for !s.done {
		rl.SetPrompt(s.prompt())
		req, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if req == "" {
			if prev == "" {
				continue
			}
			req = prev
		}
		prev = req
		if err := s.cmdExec(req); err != nil {
			s.out.LogError("%v", err)
		}
	}
	return nil
}

var _ target = (*tracer.Process)(nil)
