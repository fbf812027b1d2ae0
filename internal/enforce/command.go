package enforce

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// CommandConfig lists the shell commands behind each enforcement action.
// An empty command is a no-op.
type CommandConfig struct {
	LockdownOn       []string
	LockdownOff      []string
	ForegroundReturn []string
	// ForegroundProbe exits 0 when the billing app is in front.
	ForegroundProbe []string
	Timeout         time.Duration
}

// CommandEnforcement implements Enforcement with external commands.
type CommandEnforcement struct {
	cfg    CommandConfig
	logger zerolog.Logger
}

// NewCommandEnforcement creates a command-backed Enforcement.
func NewCommandEnforcement(cfg CommandConfig, logger zerolog.Logger) *CommandEnforcement {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &CommandEnforcement{
		cfg:    cfg,
		logger: logger.With().Str("component", "enforcement-command").Logger(),
	}
}

// SetLockdownEnabled runs the lockdown on or off command.
func (e *CommandEnforcement) SetLockdownEnabled(enabled bool) error {
	if enabled {
		return e.run(e.cfg.LockdownOn)
	}
	return e.run(e.cfg.LockdownOff)
}

// ForceForegroundReturn runs the foreground return command.
func (e *CommandEnforcement) ForceForegroundReturn() error {
	return e.run(e.cfg.ForegroundReturn)
}

// IsForegrounded runs the probe. Without a probe the app is assumed to be in
// front.
func (e *CommandEnforcement) IsForegrounded() (bool, error) {
	if len(e.cfg.ForegroundProbe) == 0 {
		return true, nil
	}
	err := e.run(e.cfg.ForegroundProbe)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (e *CommandEnforcement) run(command []string) error {
	if len(command) == 0 || command[0] == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, command[0], command[1:]...).CombinedOutput()
	if err != nil {
		e.logger.Debug().Strs("command", command).Bytes("output", out).Err(err).Msg("Enforcement command failed")
		return fmt.Errorf("run %s: %w", command[0], err)
	}
	return nil
}
