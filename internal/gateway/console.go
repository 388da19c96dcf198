package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mvaldes-io/tabletalk/internal/plan"
)

// Console is a line-oriented chat gateway on an io.Reader/Writer pair.
// Each proposed plan is shown and must be approved before it runs.
type Console struct {
	Chat      Chat
	SessionID string
	Out       io.Writer

	scanner *bufio.Scanner
}

func NewConsole(chat Chat, sessionID string, in io.Reader, out io.Writer) *Console {
	return &Console{
		Chat:      chat,
		SessionID: sessionID,
		Out:       out,
		scanner:   bufio.NewScanner(in),
	}
}

// Start runs the read loop until EOF, /quit or context cancellation.
func (c *Console) Start(ctx context.Context) error {
	fmt.Fprintln(c.Out, "Ask about your tables. /clear resets the session, /quit exits.")

	for {
		fmt.Fprint(c.Out, "> ")
		line, ok := c.readLine()
		if !ok {
			return c.scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/clear":
			if err := c.Chat.Clear(c.SessionID); err != nil {
				fmt.Fprintf(c.Out, "clear failed: %v\n", err)
				continue
			}
			fmt.Fprintln(c.Out, "Session cleared.")
			continue
		}

		if err := c.turn(ctx, line); err != nil {
			fmt.Fprintf(c.Out, "error: %v\n", err)
		}
	}
}

func (c *Console) readLine() (string, bool) {
	if !c.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.scanner.Text()), true
}

func (c *Console) turn(ctx context.Context, request string) error {
	p, err := c.Chat.Propose(ctx, c.SessionID, request)
	if err != nil {
		var clarify *plan.NeedsClarificationError
		if errors.As(err, &clarify) {
			fmt.Fprintln(c.Out, "I need more detail before planning:")
			for _, q := range clarify.Questions {
				fmt.Fprintf(c.Out, "  - %s\n", q)
			}
			return nil
		}
		return err
	}

	fmt.Fprint(c.Out, RenderPlan(p))
	fmt.Fprint(c.Out, "Run this plan? [y/N] ")
	answer, ok := c.readLine()
	if !ok {
		return c.scanner.Err()
	}
	if a := strings.ToLower(answer); a != "y" && a != "yes" {
		fmt.Fprintln(c.Out, "Plan discarded.")
		return nil
	}

	reply, err := c.Chat.Execute(ctx, c.SessionID, p, request)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Out, reply)
	return nil
}
