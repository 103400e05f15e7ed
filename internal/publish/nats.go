package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/seantiz/probe/internal/model"
)

type natsConnection interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSSink publishes terminal runs as JSON on a NATS subject. The subject is
// suffixed with the engine kind, e.g. probe.runs.terminal.load.
type NATSSink struct {
	conn    natsConnection
	subject string
}

// NewNATSSink connects to the NATS server at address.
func NewNATSSink(address, subject string) (*NATSSink, error) {
	if address == "" {
		address = nats.DefaultURL
	}
	conn, err := nats.Connect(address, nats.Name("probe"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Name identifies the sink in logs.
func (s *NATSSink) Name() string { return "nats" }

// Archive publishes res.
func (s *NATSSink) Archive(ctx context.Context, res model.RunResult) error {
	raw, err := json.Marshal(envelopeOf(res))
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.conn.Publish(s.subject+"."+string(res.Run.Engine), raw)
}

// Close drains nothing and closes the connection.
func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	s.conn.Close()
	return nil
}
