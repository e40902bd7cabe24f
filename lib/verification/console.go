// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verification

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Decider accepts operator decisions. Manager implements it.
type Decider interface {
	Decide(decision Decision)
}

// Console shows SAS prompts on a terminal (or plain output) and reads
// yes/no answers. It implements Reporter.
type Console struct {
	out    io.Writer
	styled bool

	// mu serializes writes from the supervisor and the input loop.
	mu sync.Mutex
}

var _ Reporter = (*Console)(nil)

// NewConsole writes to out. Output is styled only when out is a
// terminal.
func NewConsole(out io.Writer) *Console {
	styled := false
	if file, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(file.Fd()))
	}
	return &Console{out: out, styled: styled}
}

var (
	consoleTitle = lipgloss.NewStyle().Bold(true)

	consoleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 2)

	consoleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	consoleFailure = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// ShowSAS prints the comparison prompt.
func (c *Console) ShowSAS(request Request, sas SAS) {
	lines := []string{
		fmt.Sprintf("Verification request from %s (%s)", request.Peer, request.PeerDevice),
		"",
		"Emoji:   " + sas.EmojiString(),
		"Numbers: " + sas.DecimalString(),
		"",
		"Do they match the other device? [yes/no]",
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.styled {
		fmt.Fprintln(c.out, strings.Join(lines, "\n"))
		return
	}
	lines[0] = consoleTitle.Render(lines[0])
	fmt.Fprintln(c.out, consoleBox.Render(strings.Join(lines, "\n")))
}

// Finished prints the outcome.
func (c *Console) Finished(outcome Outcome) {
	var message string
	success := outcome.State == StateCompleted
	if success {
		message = fmt.Sprintf("Verified %s (%s).", outcome.Peer, outcome.PeerDevice)
	} else {
		message = fmt.Sprintf("Verification cancelled: %s", outcome.Reason)
		if outcome.Reason == "" {
			message = fmt.Sprintf("Verification cancelled (%s).", outcome.Code)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.styled {
		style := consoleFailure
		if success {
			style = consoleSuccess
		}
		message = style.Render(message)
	}
	fmt.Fprintln(c.out, message)
}

// ReadDecisions turns operator input lines into decisions until in is
// exhausted or ctx is cancelled. Unrecognized lines are ignored.
func (c *Console) ReadDecisions(ctx context.Context, in io.Reader, decider Decider) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if err != nil {
				return fmt.Errorf("verification: reading operator input: %w", err)
			}
			return nil
		case line := <-lines:
			if decision := ParseDecision(line); decision != DecisionNone {
				decider.Decide(decision)
			}
		}
	}
}

// ParseDecision maps an operator answer to a decision.
func ParseDecision(line string) Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return DecisionConfirm
	case "n", "no":
		return DecisionCancel
	}
	return DecisionNone
}
