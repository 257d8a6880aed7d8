package delivery

import (
	"errors"
	"net/http"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/channel"
)

// Class partitions delivery failures by the recovery they admit.
type Class int

const (
	// RetryNow failures are expected to clear on an immediate reattempt.
	RetryNow Class = iota
	// RetryLater failures need time: connectivity loss, rate limits,
	// provider hiccups. The task goes back to the queue with a delay.
	RetryLater
	// NeedsUserAction failures cannot make progress without an
	// out-of-band decision. The task is suspended with a resumable
	// handle describing what is needed.
	NeedsUserAction
	// Unrecoverable failures will not clear on their own and retrying
	// would only repeat them.
	Unrecoverable
)

func (c Class) String() string {
	switch c {
	case RetryNow:
		return "retry-now"
	case RetryLater:
		return "retry-later"
	case NeedsUserAction:
		return "needs-user-action"
	default:
		return "unrecoverable"
	}
}

// Classify maps a failed send to its recovery class and, for suspensions,
// the resumable handle to surface to the user.
func Classify(err error) (Class, string) {
	var denied *backend.AuthorizationDeniedError
	if errors.As(err, &denied) {
		return NeedsUserAction, denied.Handle
	}
	var noAccount *channel.NoAccountError
	if errors.As(err, &noAccount) {
		return NeedsUserAction, noAccount.Handle()
	}

	var conn *backend.ConnectivityError
	if errors.As(err, &conn) {
		return RetryLater, ""
	}
	if errors.Is(err, backend.ErrInvalidToken) {
		// Both the cached and the freshly renewed token were rejected.
		// A later renewal cycle may still succeed.
		return RetryLater, ""
	}
	if errors.Is(err, channel.ErrAckTimeout) {
		return RetryLater, ""
	}
	var smsFailed *channel.SMSFailedError
	if errors.As(err, &smsFailed) {
		return RetryLater, ""
	}

	var se *backend.StatusError
	if errors.As(err, &se) {
		if se.Code == http.StatusTooManyRequests || se.Code >= 500 {
			return RetryLater, ""
		}
		switch se.Reason {
		case "rate_limited", "recipient_not_provisioned":
			return RetryLater, ""
		}
		return Unrecoverable, ""
	}

	return Unrecoverable, ""
}
