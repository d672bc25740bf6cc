package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamInbound is the durable stream carrying raw supervision
	// notifications (events, tickets, computation orders).
	StreamInbound = "VIGILO_RAW"
	// SubjectInbound matches everything the collectors publish.
	SubjectInbound = "vigilo.raw.>"

	// StreamOutbound captures the correlator's own output so downstream
	// consumers (notifier, web frontend) can replay it.
	StreamOutbound = "VIGILO_CORRELATED"
	// SubjectState is where post-correlation item states are published.
	SubjectState = "vigilo.correlated.state"
	// SubjectCorrevent is where correlated-event notifications go.
	SubjectCorrevent = "vigilo.correlated.correvent"
)

// ProvisionStreams idempotently creates the streams used by the correlator.
func (c *Client) ProvisionStreams() error {
	streams := []*nats.StreamConfig{
		{
			Name:      StreamInbound,
			Subjects:  []string{SubjectInbound},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
		{
			Name:      StreamOutbound,
			Subjects:  []string{SubjectState, SubjectCorrevent},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		},
	}

	for _, cfg := range streams {
		_, err := c.JS.StreamInfo(cfg.Name)
		if err == nil {
			c.Log.Info("NATS stream exists", zap.String("stream", cfg.Name))
			continue
		}
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to check stream info: %w", err)
		}
		if _, err := c.JS.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		c.Log.Info("NATS stream provisioned", zap.String("stream", cfg.Name))
	}
	return nil
}
