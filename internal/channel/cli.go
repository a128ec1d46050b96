package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"airelay/internal/domain"
)

// CLI relays terminal input to one provider and prints the streamed reply.
type CLI struct {
	relay   Dispatcher
	event   string
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	spinner bool

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	writeMu   sync.Mutex
}

type CLIConfig struct {
	Event   string // provider event, e.g. "claude-message"
	Spinner bool
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
}

func NewCLI(cfg CLIConfig, d Dispatcher) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		relay:   d,
		event:   cfg.Event,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
	}
}

// Emit prints deltas as they arrive and ends the reply with a newline.
func (c *CLI) Emit(_ context.Context, ev domain.OutboundEvent) error {
	c.stopThinking()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	switch d := ev.Data.(type) {
	case domain.DeltaPayload:
		_, err := fmt.Fprint(c.out, d.Text)
		return err
	case domain.EndPayload:
		_, err := fmt.Fprintln(c.out)
		return err
	}
	return nil
}

// Send relays one message and blocks until the reply has been printed. The
// returned error is the provider failure, if any.
func (c *CLI) Send(ctx context.Context, text string, atts []domain.Attachment) error {
	c.startThinking()
	defer c.stopThinking()
	sess, err := c.relay.Handle(ctx, c.event, domain.InboundRequest{Text: text, Attachments: atts}, c)
	if err != nil {
		return err
	}
	return sess.Err()
}

// Run reads one message per line until EOF, /quit or ctx is canceled.
func (c *CLI) Run(ctx context.Context) error {
	_, _ = fmt.Fprintf(c.out, "airelay chat (%s). Type your message and press Enter. Type /quit to exit.\n", c.event)
	_, _ = fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "You> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		if err := c.Send(ctx, line, nil); err != nil {
			c.logger.Debug("message failed", "err", err)
		}
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				c.writeMu.Unlock()
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	c.writeMu.Lock()
	fmt.Fprint(c.out, "\r\033[K")
	c.writeMu.Unlock()
}
