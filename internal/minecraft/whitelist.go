package minecraft

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Whitelist adds accounts to the server whitelist over RCON. Every call opens
// its own session and closes it before returning; sessions are never reused.
type Whitelist struct {
	addr     string
	password string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewWhitelist creates a Whitelist for the RCON endpoint at addr
func NewWhitelist(addr, password string, timeout time.Duration, logger *slog.Logger) *Whitelist {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Whitelist{
		addr:     addr,
		password: password,
		timeout:  timeout,
		logger:   logger,
	}
}

// Add runs "whitelist add <name>". name must be the canonical account name;
// the server matches it case-sensitively. Errors wrap ErrConnect, ErrAuth or
// ErrCommand.
func (w *Whitelist) Add(ctx context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("%w: invalid account name %q", ErrCommand, name)
	}

	conn, err := DialRcon(ctx, w.addr, w.password, w.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	response, err := conn.Execute(ctx, "whitelist add "+name)
	if err != nil {
		return err
	}

	w.logger.Debug("rcon response", slog.String("command", "whitelist add"), slog.String("response", response))
	return nil
}
