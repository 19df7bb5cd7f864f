// Package sound plays the sale alert.
package sound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Player plays the alert once.
type Player interface {
	Play(ctx context.Context) error
}

// Bell writes the terminal bell character.
type Bell struct {
	mu sync.Mutex
	W  io.Writer
}

func (b *Bell) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.W == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.W, "\a")
	return err
}

// Command runs an external program, e.g. "paplay /usr/share/sounds/chime.oga".
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// ParseCommand splits a command line on whitespace.
func ParseCommand(line string, timeout time.Duration) (*Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, errors.New("sound command is empty")
	}
	return &Command{Path: parts[0], Args: parts[1:], Timeout: timeout}, nil
}

func (c *Command) Play(ctx context.Context) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, c.Path, c.Args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", c.Path, err, msg)
		}
		return fmt.Errorf("%s: %w", c.Path, err)
	}
	return nil
}

// Nop plays nothing.
type Nop struct{}

func (Nop) Play(context.Context) error { return nil }

// New builds the player named by kind: "bell", "command" or "none".
func New(kind, command string, w io.Writer) (Player, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "bell":
		return &Bell{W: w}, nil
	case "command":
		return ParseCommand(command, 10*time.Second)
	case "none", "off":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown sound player %q", kind)
	}
}
