// Package channel implements the interchangeable delivery channels and
// their authenticators. A channel is selected by Kind, not subclassing;
// the generic delivery task drives the shared stages and calls Send.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gbarbosa/vox/internal/store"
)

// Kind identifies a delivery channel.
type Kind string

const (
	KindMail   Kind = "mail"
	KindIntent Kind = "intent"
	KindSMS    Kind = "sms"
)

// ParseKind validates a channel name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMail, KindIntent, KindSMS:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// SendContext carries the resolved message state into a channel send, so
// stages do not refetch from storage.
type SendContext struct {
	TaskUID    string
	Message    *store.Message
	Recipients []string
	Recording  *store.Recording
}

// Channel is one delivery mechanism.
type Channel interface {
	Kind() Kind
	// Send performs the channel-specific delivery. It must honor ctx
	// cancellation between its own steps but may complete an in-flight
	// network call first to preserve cleanup invariants.
	Send(ctx context.Context, sc *SendContext) error
	// ConfirmsDelivery reports whether a successful Send confirms
	// per-recipient delivery. The native-intent channel hands off to the
	// host composer and cannot confirm.
	ConfirmsDelivery() bool
}

// HandleSelectAccount prefixes resumable handles asking the user to pick
// a provider account.
const HandleSelectAccount = "select-account:"

// NoAccountError means the channel has no provider account selected.
// Candidates lists the configured alternatives; with exactly one the
// recovery layer auto-selects it, with several the user must choose.
type NoAccountError struct {
	Candidates []string
}

func (e *NoAccountError) Error() string {
	return fmt.Sprintf("no channel account selected (%d candidates)", len(e.Candidates))
}

// Handle renders the resumable handle surfaced to the UI layer.
func (e *NoAccountError) Handle() string {
	return HandleSelectAccount + strings.Join(e.Candidates, ",")
}

// ErrAckTimeout means the SMS gateway never acknowledged within the
// bounded wait. Retryable later.
var ErrAckTimeout = errors.New("sms acknowledgment timed out")

// SMSFailedError is a negative acknowledgment from the gateway.
type SMSFailedError struct {
	Detail string
}

func (e *SMSFailedError) Error() string {
	return fmt.Sprintf("sms gateway reported failure: %s", e.Detail)
}
