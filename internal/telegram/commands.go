package telegram

import (
	"context"
	"strings"

	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

// Controls are the dashboard actions exposed as chat commands.
type Controls struct {
	Last    func(persist bool)
	Pin     func() toast.State
	Close   func()
	Refresh func(ctx context.Context) error
	Status  func() string
}

type command struct {
	name string
	help string
}

var commandList = []command{
	{"last", "Show the last sale again (/last pin keeps it)"},
	{"pin", "Pin or unpin the banner"},
	{"close", "Close the banner"},
	{"refresh", "Refetch sessions now"},
	{"status", "Dashboard status"},
}

type commands struct {
	ctl    Controls
	owners map[int64]bool
	log    logx.Logger
}

func newCommands(ctl Controls, owners []int64, log logx.Logger) *commands {
	m := make(map[int64]bool, len(owners))
	for _, id := range owners {
		m[id] = true
	}
	return &commands{ctl: ctl, owners: m, log: log}
}

func (c *commands) allowed(userID int64) bool { return c.owners[userID] }

// handle runs one command message. ok is false when the sender is not an
// owner or the command is unknown; nothing should be replied then.
func (c *commands) handle(ctx context.Context, from int64, text string) (reply string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]
	if !c.allowed(from) {
		c.log.Debug("command from non-owner ignored", logx.Int64("user_id", from), logx.String("cmd", name))
		return "", false
	}

	switch strings.ToLower(name) {
	case "last":
		persist := len(args) > 0 && strings.EqualFold(args[0], "pin")
		c.ctl.Last(persist)
		return "Showing the last sale.", true
	case "pin":
		switch c.ctl.Pin() {
		case toast.Pinned:
			return "Banner pinned.", true
		case toast.Showing:
			return "Banner unpinned.", true
		}
		return "No banner is showing.", true
	case "close":
		c.ctl.Close()
		return "Banner closed.", true
	case "refresh":
		if err := c.ctl.Refresh(ctx); err != nil {
			return "Refresh failed: " + err.Error(), true
		}
		return "Refreshed.", true
	case "status":
		return c.ctl.Status(), true
	}
	return "", false
}
