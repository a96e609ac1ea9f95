package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// TerminalChannel is the line-oriented stdin/stdout channel used by the
// default `run` subcommand.
type TerminalChannel struct {
	userID string
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex
}

// NewTerminalChannel creates the channel for a user on stdin/stdout.
func NewTerminalChannel(userID string) *TerminalChannel {
	return &TerminalChannel{userID: userID, in: os.Stdin, out: os.Stdout}
}

// NewTerminalChannelIO creates the channel over explicit reader/writer;
// tests use this.
func NewTerminalChannelIO(userID string, in io.Reader, out io.Writer) *TerminalChannel {
	return &TerminalChannel{userID: userID, in: in, out: out}
}

// Name identifies the channel.
func (c *TerminalChannel) Name() string { return "terminal" }

// Start reads lines until EOF or cancellation.
func (c *TerminalChannel) Start(ctx context.Context) (<-chan types.IncomingMessage, error) {
	stream := make(chan types.IncomingMessage, 8)
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	go func() {
		defer close(stream)
		for scanner.Scan() {
			msg := types.IncomingMessage{
				ID:         uuid.New(),
				UserID:     c.userID,
				Content:    scanner.Text(),
				ReceivedAt: time.Now().UTC(),
			}
			select {
			case stream <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

// Respond prints the response.
func (c *TerminalChannel) Respond(_ *types.IncomingMessage, resp types.OutgoingResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := ""
	if resp.IsError {
		prefix = "! "
	}
	_, err := fmt.Fprintf(c.out, "%s%s\n", prefix, resp.Content)
	return err
}

// SendStatus prints compact progress lines.
func (c *TerminalChannel) SendStatus(update types.StatusUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	switch update.Kind {
	case types.StatusToolStarted:
		_, err = fmt.Fprintf(c.out, "… running %s\n", update.ToolName)
	case types.StatusToolCompleted:
		mark := "ok"
		if !update.Success {
			mark = "failed"
		}
		_, err = fmt.Fprintf(c.out, "… %s %s\n", update.ToolName, mark)
	case types.StatusApprovalNeeded:
		_, err = fmt.Fprintf(c.out, "? approve %s %s — reply yes/no/always\n", update.ToolName, update.Preview)
	case types.StatusError:
		_, err = fmt.Fprintf(c.out, "! %s\n", update.Text)
	}
	return err
}

// HealthCheck always succeeds for a local terminal.
func (c *TerminalChannel) HealthCheck(context.Context) error { return nil }

// Shutdown is a no-op; stdin closes with the process.
func (c *TerminalChannel) Shutdown(context.Context) error { return nil }
