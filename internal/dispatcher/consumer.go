package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/natsclient"
)

const consumerDurable = "correlator"

// Consume runs the pull-consumer loop over the inbound stream until ctx
// is cancelled. Every fetched item goes through Forward and is then
// acknowledged: poison messages are logged and dropped there, retryable
// ones live on in the in-memory queue.
func (d *Dispatcher) Consume(ctx context.Context, client *natsclient.Client) error {
	sub, err := client.JS.PullSubscribe(
		natsclient.SubjectInbound,
		consumerDurable,
		nats.BindStream(natsclient.StreamInbound),
	)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := sub.Fetch(16, nats.MaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.Canceled) {
				continue
			}
			d.logger.Warn("fetch from inbound stream failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		for _, m := range msgs {
			d.Forward(ctx, m.Data)
			if err := m.Ack(); err != nil {
				d.logger.Warn("ack failed", zap.Error(err))
			}
		}
	}
}
