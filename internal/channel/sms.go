package channel

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gbarbosa/vox/internal/backend"
	"github.com/gbarbosa/vox/internal/bus"
)

// SMSChannel sends through the SMS gateway and waits, bounded, for the
// asynchronous delivery report the gateway posts back to the daemon's
// callback endpoint.
type SMSChannel struct {
	gatewayURL string
	exec       *backend.Executor
	bus        *bus.Bus
	ackTimeout time.Duration
	logger     *zap.Logger
}

// NewSMSChannel creates the SMS channel.
func NewSMSChannel(gatewayURL string, client *http.Client, b *bus.Bus, ackTimeout time.Duration, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{
		gatewayURL: gatewayURL,
		exec:       backend.NewExecutor(client, nil, logger),
		bus:        b,
		ackTimeout: ackTimeout,
		logger:     logger,
	}
}

func (c *SMSChannel) Kind() Kind {
	return KindSMS
}

func (c *SMSChannel) ConfirmsDelivery() bool {
	return true
}

type smsRequest struct {
	To   []string `json:"to"`
	Text string   `json:"text"`
	UID  string   `json:"uid"`
}

// Send submits the message to the gateway, then waits for the matching
// sms.report event. No report within the ack timeout is a retryable
// failure.
func (c *SMSChannel) Send(ctx context.Context, sc *SendContext) error {
	// Subscribe before submitting so a fast report is not lost.
	reports, unsub := c.bus.Subscribe(bus.KindSMSReport, 16)
	defer unsub()

	text := sc.Message.ShortURL
	if sc.Recording != nil && sc.Recording.Transcript != "" {
		text += " " + sc.Recording.Transcript
	}

	if _, err := c.exec.Do(ctx, &backend.Request{
		Method: http.MethodPost,
		URL:    c.gatewayURL,
		Body:   smsRequest{To: sc.Recipients, Text: text, UID: sc.TaskUID},
	}); err != nil {
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case evt := <-reports:
			report, ok := evt.Payload.(bus.SMSReport)
			if !ok || report.TaskUID != sc.TaskUID {
				continue
			}
			if report.Status == "sent" {
				return nil
			}
			return &SMSFailedError{Detail: report.Detail}
		case <-timer.C:
			if c.logger != nil {
				c.logger.Warn("sms acknowledgment timed out", zap.String("task_uid", sc.TaskUID))
			}
			return ErrAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
