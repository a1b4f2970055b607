//go:build linux && amd64

package main

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"simdguard/console"
	"simdguard/engine"
	"simdguard/fpstate"
)

// target is the stopped process the console works on.
type target interface {
	Tid() int
	Threads() []int
	Select(tid int) error
	Context() (*engine.Context, error)
	SetContext(ctx *engine.Context) error
	ReadMemory(addr uint64, n int) ([]byte, error)
	Step() error
	Cont() error
	Interrupt() error
}

type symbolizer interface {
	Symbolize(addr uint64) (string, uint64, bool)
}

type session struct {
	t    target
	sym  symbolizer
	out  *console.Writer
	pick func(tids []int, cur int) (int, error)
	done bool
}

func newSession(t target, sym symbolizer, out *console.Writer) *session {
	return &session{t: t, sym: sym, out: out, pick: pickThread}
}

type cmdHandler struct {
	regex *regexp.Regexp
	fn    func(*session, []string) error
}

const num = `(0[xX][0-9a-fA-F]+|0[0-7]+|[1-9][0-9]*|0)`

var compiledCmds = []cmdHandler{
	{regexp.MustCompile(`^\s*(simd|SIMD)\s*$`), (*session).cmdSIMD},
	{regexp.MustCompile(`^\s*(xmm|XMM)\s+` + num + `\s*$`), (*session).cmdXmm},
	{regexp.MustCompile(`^\s*(fill)\s+` + num + `\s*$`), (*session).cmdFill},
	{regexp.MustCompile(`^\s*(fill32)\s+` + num + `\s*$`), (*session).cmdFill32},
	{regexp.MustCompile(`^\s*(verify)\s+` + num + `\s*$`), (*session).cmdVerify},
	{regexp.MustCompile(`^\s*(regs)(?:\s+(\w+))?\s*$`), (*session).cmdRegs},
	{regexp.MustCompile(`^\s*(thread|t)(?:\s+` + num + `)?\s*$`), (*session).cmdThread},
	{regexp.MustCompile(`^\s*(disass)(?:\s+` + num + `)?(?:\s+` + num + `)?\s*$`), (*session).cmdDisass},
	{regexp.MustCompile(`^\s*(step|si|STEP)\s*$`), (*session).cmdStep},
	{regexp.MustCompile(`^\s*(c|cont|continue|C|CONT|CONTINUE)\s*$`), (*session).cmdContinue},
	{regexp.MustCompile(`^\s*(detach|q|quit|exit)\s*$`), (*session).cmdDetach},
}

var errUnknownCommand = errors.New("unknown command")

func (s *session) cmdExec(req string) error {
	for _, handler := range compiledCmds {
		if m := handler.regex.FindStringSubmatch(req); m != nil {
			return handler.fn(s, m)
		}
	}
	return errUnknownCommand
}

func (s *session) fpState() (*engine.Context, fpstate.State, error) {
	ctx, err := s.t.Context()
	if err != nil {
		return nil, nil, err
	}
	fp := ctx.NewFPState()
	ctx.GetFPState(fp)
	return ctx, fp, nil
}

func (s *session) cmdSIMD(_ []string) error {
	_, fp, err := s.fpState()
	if err != nil {
		return err
	}
	printSIMD(s.out, fp)
	return nil
}

func (s *session) cmdXmm(args []string) error {
	i, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return err
	}
	if i >= fpstate.NumXmmRegs {
		return fmt.Errorf("no register xmm%d", i)
	}
	_, fp, err := s.fpState()
	if err != nil {
		return err
	}
	printXMMRegister(s.out, fmt.Sprintf("XMM%d", i), fp.Xmm(int(i)))
	if fp.HasYmm() {
		printYMMRegister(s.out, fmt.Sprintf("YMM%d", i), fp.Xmm(int(i)), fp.YmmHi(int(i)))
	}
	s.out.Printf("words: %s\n", fpstate.PatternOf(fp, int(i)))
	return nil
}

func (s *session) cmdFill(args []string) error {
	b, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return err
	}
	return s.fill(fpstate.Repeat8(uint8(b)))
}

func (s *session) cmdFill32(args []string) error {
	w, err := strconv.ParseUint(args[2], 0, 32)
	if err != nil {
		return err
	}
	return s.fill(fpstate.Repeat32(uint32(w)))
}

// fill stores p into every XMM register of the selected thread and reads
// the state back from the kernel.
func (s *session) fill(p fpstate.Pattern) error {
	ctx, want, err := s.fpState()
	if err != nil {
		return err
	}
	want.FillXmm(fpstate.NumXmmRegs, p)
	if err := ctx.SetFPState(want); err != nil {
		return err
	}
	if err := s.t.SetContext(ctx); err != nil {
		return err
	}

	_, got, err := s.fpState()
	if err != nil {
		return err
	}
	if i := fpstate.FirstXmmMismatch(want, got, fpstate.NumXmmRegs); i >= 0 {
		return fmt.Errorf("xmm[%d] reads back as (%s), wrote (%s)", i, fpstate.PatternOf(got, i), p)
	}
	s.out.Printf("set %d XMM registers to (%s)\n", fpstate.NumXmmRegs, p)
	return nil
}

func (s *session) cmdVerify(args []string) error {
	b, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return err
	}
	_, fp, err := s.fpState()
	if err != nil {
		return err
	}
	bad := fpstate.XmmByteMismatches(fp, fpstate.NumXmmRegs, uint8(b))
	for _, m := range bad {
		s.out.Printf("unexpected xmm[%d] byte %d value %x\n", m.Reg, m.Byte, m.Got)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%d bytes differ from %#02x", len(bad), b)
	}
	s.out.Printf("every XMM byte is 0x%02x\n", b)
	return nil
}

var regsOrder = []engine.Reg{
	engine.RegRax, engine.RegRbx, engine.RegRcx, engine.RegRdx,
	engine.RegRsp, engine.RegRbp, engine.RegRsi, engine.RegRdi,
	engine.RegRip, engine.RegR8, engine.RegR9, engine.RegR10,
	engine.RegR11, engine.RegR12, engine.RegR13, engine.RegR14,
	engine.RegR15,
}

func (s *session) cmdRegs(args []string) error {
	ctx, err := s.t.Context()
	if err != nil {
		return err
	}
	if args[2] != "" {
		r, ok := engine.RegByName(args[2])
		if !ok {
			return fmt.Errorf("unknown register %q", args[2])
		}
		s.out.Printf("%s = 0x%016x\n", strings.ToLower(r.String()), ctx.Reg(r))
		return nil
	}
	for _, r := range regsOrder {
		v := ctx.Reg(r)
		s.out.Printf("$%-6s: 0x%016x%s\n", strings.ToLower(r.String()), v, s.symSuffix(v))
	}
	s.out.Printf("$eflags: 0x%016x\n", ctx.Reg(engine.RegEflags))
	s.out.Printf("$cs: %x $ss: %x $ds: %x $es: %x $fs: %x $gs: %x\n",
		ctx.Reg(engine.RegCs), ctx.Reg(engine.RegSs), ctx.Reg(engine.RegDs),
		ctx.Reg(engine.RegEs), ctx.Reg(engine.RegFs), ctx.Reg(engine.RegGs))
	return nil
}

func (s *session) cmdThread(args []string) error {
	tids := s.t.Threads()
	var tid int
	if args[2] == "" {
		if len(tids) == 0 {
			return errors.New("no stopped threads")
		}
		var err error
		tid, err = s.pick(tids, s.t.Tid())
		if err != nil {
			return err
		}
	} else {
		v, err := strconv.ParseInt(args[2], 0, 32)
		if err != nil {
			return err
		}
		tid = int(v)
	}
	if err := s.t.Select(tid); err != nil {
		return err
	}
	return s.where()
}

func (s *session) cmdDisass(args []string) error {
	var addr uint64
	if args[2] == "" {
		ctx, err := s.t.Context()
		if err != nil {
			return err
		}
		addr = ctx.Reg(engine.RegInstPtr)
	} else {
		var err error
		addr, err = strconv.ParseUint(args[2], 0, 64)
		if err != nil {
			return err
		}
	}
	size := uint64(32)
	if args[3] != "" {
		var err error
		size, err = strconv.ParseUint(args[3], 0, 16)
		if err != nil {
			return err
		}
	}
	return s.disass(addr, int(size), 0)
}

func (s *session) cmdStep(_ []string) error {
	if err := s.t.Step(); err != nil {
		return err
	}
	return s.where()
}

func (s *session) cmdContinue(_ []string) error {
	if err := s.t.Cont(); err != nil {
		return err
	}
	return s.where()
}

func (s *session) cmdDetach(_ []string) error {
	s.done = true
	return nil
}

// where prints the selected thread and its instruction.
func (s *session) where() error {
	ctx, err := s.t.Context()
	if err != nil {
		return err
	}
	pc := ctx.Reg(engine.RegInstPtr)
	s.out.Printf("thread %d at 0x%016x%s\n", s.t.Tid(), pc, s.symSuffix(pc))
	return s.disass(pc, maxInsLen, 1)
}

func (s *session) symSuffix(addr uint64) string {
	if s.sym == nil {
		return ""
	}
	name, off, ok := s.sym.Symbolize(addr)
	if !ok {
		return ""
	}
	if off == 0 {
		return fmt.Sprintf(" <%s>", name)
	}
	return fmt.Sprintf(" <%s+%d>", name, off)
}
