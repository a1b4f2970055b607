// Package console writes the line-oriented diagnostics of the tools and the
// inspect console. Every line is flushed as soon as it is complete.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorWhite  = "\033[37m"
	ColorBold   = "\033[1m"
)

// Writer is a line writer. Colors are only emitted when the destination is
// a terminal.
type Writer struct {
	w     *bufio.Writer
	fd    int
	color bool
}

// New wraps w. Colors are enabled when w is a terminal.
func New(w io.Writer) *Writer {
	c := &Writer{w: bufio.NewWriter(w), fd: -1}
	if f, ok := w.(*os.File); ok {
		c.fd = int(f.Fd())
		c.color = term.IsTerminal(c.fd)
	}
	return c
}

// Stdout is the process-wide diagnostics writer.
var Stdout = New(os.Stdout)

func (c *Writer) Color() bool {
	return c.color
}

// Linef writes one plain line and flushes it.
func (c *Writer) Linef(format string, a ...any) {
	fmt.Fprintf(c.w, format, a...)
	c.w.WriteByte('\n')
	c.w.Flush()
}

// Printf highlights numbers and strings in the formatted output on a
// terminal. It flushes whenever the output ends a line.
func (c *Writer) Printf(msg string, a ...any) {
	if c.color {
		msg = strings.ReplaceAll(msg, "%d", ColorCyan+"%d"+ColorReset)
		msg = strings.ReplaceAll(msg, "0x%016x", ColorCyan+"0x%016x"+ColorReset)
		msg = strings.ReplaceAll(msg, "%016x", ColorCyan+"%016x"+ColorReset)
		msg = strings.ReplaceAll(msg, "%08x", ColorCyan+"%08x"+ColorReset)
		msg = strings.ReplaceAll(msg, "%x", ColorCyan+"%x"+ColorReset)
		msg = strings.ReplaceAll(msg, "%s", ColorGreen+"%s"+ColorReset)
	}
	fmt.Fprintf(c.w, msg, a...)
	if strings.HasSuffix(msg, "\n") {
		c.w.Flush()
	}
}

// Flush writes out a partial line such as a prompt.
func (c *Writer) Flush() error {
	return c.w.Flush()
}

func (c *Writer) LogError(msg string, a ...any) {
	c.tagged(ColorRed, "ERROR", msg, a...)
}

func (c *Writer) LogWarn(msg string, a ...any) {
	c.tagged(ColorYellow, "WARN", msg, a...)
}

func (c *Writer) tagged(color, tag, msg string, a ...any) {
	if c.color {
		fmt.Fprintf(c.w, "%s[%s]%s %s\n", color, tag, ColorReset, fmt.Sprintf(msg, a...))
	} else {
		fmt.Fprintf(c.w, "[%s] %s\n", tag, fmt.Sprintf(msg, a...))
	}
	c.w.Flush()
}

// HLine prints a rule with msg centred in it, as wide as the terminal.
func (c *Writer) HLine(msg string) {
	if c.color {
		w, _, err := term.GetSize(c.fd)
		if err == nil && w > len(msg)+2 {
			pad := strings.Repeat("-", (w-len(msg)-2)/2)
			c.Linef("%s[%s]%s", pad, msg, pad)
			return
		}
	}
	c.Linef("[%s]", msg)
}
