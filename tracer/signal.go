//go:build linux && amd64

package tracer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type disposition int

const (
	// dispPass delivers the signal untouched: ignored, stopping or
	// continuing signals.
	dispPass disposition = iota
	// dispHandled reaches a handler installed by the program.
	dispHandled
	// dispFatal terminates the process.
	dispFatal
)

func (d disposition) String() string {
	switch d {
	case dispHandled:
		return "handled"
	case dispFatal:
		return "fatal"
	}
	return "pass"
}

// sigMasks holds the SigIgn and SigCgt sets of /proc/<pid>/status, bit
// n-1 for signal n.
type sigMasks struct {
	ignored uint64
	caught  uint64
}

func parseSigMasks(r io.Reader) (sigMasks, error) {
	var m sigMasks
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		var dst *uint64
		switch key {
		case "SigIgn":
			dst = &m.ignored
		case "SigCgt":
			dst = &m.caught
		default:
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 16, 64)
		if err != nil {
			return m, fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = v
	}
	return m, scanner.Err()
}

func readSigMasks(pid int) (sigMasks, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return sigMasks{}, err
	}
	defer f.Close()
	return parseSigMasks(f)
}

func (m sigMasks) has(set uint64, sig unix.Signal) bool {
	return sig >= 1 && sig <= 64 && set&(1<<(uint(sig)-1)) != 0
}

// disposition applies the kernel's default actions to whatever the
// program did not override.
func (m sigMasks) disposition(sig unix.Signal) disposition {
	switch {
	case sig == unix.SIGKILL:
		return dispFatal
	case sig == unix.SIGSTOP:
		return dispPass
	case m.has(m.caught, sig):
		return dispHandled
	case m.has(m.ignored, sig):
		return dispPass
	}
	switch sig {
	case unix.SIGCHLD, unix.SIGURG, unix.SIGWINCH, unix.SIGCONT,
		unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		return dispPass
	}
	return dispFatal
}
