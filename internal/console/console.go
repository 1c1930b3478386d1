// Package console implements the interactive terminal surfaces: the
// stream renderer, the processing spinner, the approval prompter, and
// the tool output sink.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/qx-sh/qx"
)

// Console bundles the terminal surfaces over one reader/writer pair.
type Console struct {
	out   io.Writer
	in    *bufio.Reader
	tty   bool
	inFD  int
	rawIn bool // stdin is a terminal; approval prompts read one keypress
}

// New creates a console over stdin/stdout.
func New() *Console {
	return &Console{
		out:   os.Stdout,
		in:    bufio.NewReader(os.Stdin),
		tty:   term.IsTerminal(int(os.Stdout.Fd())),
		inFD:  int(os.Stdin.Fd()),
		rawIn: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// NewWith creates a console over explicit streams, for tests.
func NewWith(in io.Reader, out io.Writer) *Console {
	return &Console{out: out, in: bufio.NewReader(in)}
}

// Render writes a released Markdown segment. Release boundaries are
// chosen upstream so plain sequential writes compose correctly.
func (c *Console) Render(markdown string) {
	fmt.Fprint(c.out, markdown)
}

// Printf implements qx.Sink for tool output.
func (c *Console) Printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// Prompt renders one approval request and reads the user's choice. On a
// terminal the choice is a single keypress read in raw mode; elsewhere
// (pipes, tests) it is a full line. Implements qx.Prompter.
func (c *Console) Prompt(ctx context.Context, req qx.ApprovalRequest) (string, error) {
	fmt.Fprintf(c.out, "\n%s: %s\n", req.Operation, req.ParameterValue)
	if req.Preview != "" {
		fmt.Fprintf(c.out, "%s\n", req.Preview)
	}
	fmt.Fprintf(c.out, "%s [y]es / [n]o / [a]ll / [c]ancel: ", req.Prompt)

	if c.rawIn {
		return c.promptKey(ctx)
	}
	return c.promptLine(ctx)
}

// promptKey reads one keypress with the terminal in raw mode and echoes
// the choice.
func (c *Console) promptKey(ctx context.Context) (string, error) {
	old, err := term.MakeRaw(c.inFD)
	if err != nil {
		return c.promptLine(ctx)
	}
	defer term.Restore(c.inFD, old)

	type answer struct {
		b   byte
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		b, err := c.in.ReadByte()
		ch <- answer{b, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return "", a.err
		}
		key := keyChoice(a.b)
		fmt.Fprintf(c.out, "%s\r\n", key)
		return key, nil
	}
}

// promptLine reads a full line, for non-terminal stdin.
func (c *Console) promptLine(ctx context.Context) (string, error) {
	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- answer{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return "", a.err
		}
		return a.line, nil
	}
}

// keyChoice maps a raw keypress to a choice string. Ctrl-C and Escape
// abort like an explicit cancel; everything else passes through for the
// gate to normalize (unknown keys deny).
func keyChoice(b byte) string {
	switch b {
	case 0x03, 0x1b: // Ctrl-C, Esc
		return "c"
	default:
		return string(b)
	}
}

// spinnerFrames animate the processing indicator.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner is the animated "Processing" indicator. On non-TTY output it
// stays silent.
type Spinner struct {
	out  io.Writer
	tty  bool
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewSpinner creates a spinner bound to the console's output.
func (c *Console) NewSpinner() *Spinner {
	return &Spinner{out: c.out, tty: c.tty}
}

// Start begins the animation. Calling Start while running restarts the
// label.
func (s *Spinner) Start(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if !s.tty {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		t := time.NewTicker(80 * time.Millisecond)
		defer t.Stop()
		i := 0
		for {
			select {
			case <-stop:
				// Clear the spinner line.
				fmt.Fprintf(s.out, "\r%s\r", strings.Repeat(" ", len(label)+2))
				return
			case <-t.C:
				fmt.Fprintf(s.out, "\r%s %s", spinnerFrames[i%len(spinnerFrames)], label)
				i++
			}
		}
	}(s.stop, s.done)
}

// Stop halts the animation and clears the line. Safe to call twice.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Spinner) stopLocked() {
	if s.stop != nil {
		close(s.stop)
		<-s.done
		s.stop = nil
		s.done = nil
	}
}

var (
	_ qx.Renderer = (*Console)(nil)
	_ qx.Sink     = (*Console)(nil)
	_ qx.Prompter = (*Console)(nil)
	_ qx.Spinner  = (*Spinner)(nil)
)
