package channel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// IntentChannel hands the message off to the host platform's mail
// composer. It writes an RFC822-style compose file and optionally invokes
// a configured command on it. It never confirms remote delivery.
type IntentChannel struct {
	handoffDir     string
	composeCommand string
	logger         *zap.Logger
}

// NewIntentChannel creates the native-mail-intent channel.
func NewIntentChannel(handoffDir, composeCommand string, logger *zap.Logger) *IntentChannel {
	return &IntentChannel{
		handoffDir:     handoffDir,
		composeCommand: composeCommand,
		logger:         logger,
	}
}

func (c *IntentChannel) Kind() Kind {
	return KindIntent
}

func (c *IntentChannel) ConfirmsDelivery() bool {
	return false
}

// Send writes the compose file and hands off to the host composer.
func (c *IntentChannel) Send(ctx context.Context, sc *SendContext) error {
	if err := os.MkdirAll(c.handoffDir, 0700); err != nil {
		return fmt.Errorf("handoff dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\n", strings.Join(sc.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\n\n", sc.Message.Subject)
	b.WriteString(composeBody(sc))

	path := filepath.Join(c.handoffDir, sc.TaskUID+".eml")
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}

	if c.composeCommand == "" {
		if c.logger != nil {
			c.logger.Info("compose file written, no handoff command configured", zap.String("path", path))
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, c.composeCommand, path)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("handoff command: %w", err)
	}
	return nil
}
