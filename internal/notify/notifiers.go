package notify

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to the log. It is the fallback when no
// display command is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// Show logs the message at info level.
func (n *LogNotifier) Show(message string) error {
	n.logger.Info().Str("message", message).Msg("Notification")
	return nil
}

// CommandNotifier runs an external program with the message as its last
// argument, e.g. notify-send or a kiosk overlay helper.
type CommandNotifier struct {
	command []string
	timeout time.Duration
}

// NewCommandNotifier creates a CommandNotifier. command[0] is the program.
func NewCommandNotifier(command []string, timeout time.Duration) (*CommandNotifier, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("notification command is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandNotifier{command: command, timeout: timeout}, nil
}

// Show runs the command and waits for it to exit.
func (n *CommandNotifier) Show(message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	args := append(append([]string{}, n.command[1:]...), message)
	out, err := exec.CommandContext(ctx, n.command[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w (output: %s)", n.command[0], err, out)
	}
	return nil
}
