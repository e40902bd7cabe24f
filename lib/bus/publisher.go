// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/matrix-ingest/lib/canonical"
)

// Transport delivers envelopes. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, subject string, envelope Envelope) error
	Close() error
}

// Config configures a Publisher.
type Config struct {
	Transport Transport

	// SubjectPrefix defaults to "matrix".
	SubjectPrefix string

	PublishReactions bool
	PublishReceipts  bool

	Logger *slog.Logger
}

// Publisher gates, flattens, and routes canonical events.
type Publisher struct {
	transport        Transport
	prefix           string
	publishReactions bool
	publishReceipts  bool
	logger           *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(config Config) (*Publisher, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("bus: Transport is required")
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "matrix"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Publisher{
		transport:        config.Transport,
		prefix:           config.SubjectPrefix,
		publishReactions: config.PublishReactions,
		publishReceipts:  config.PublishReceipts,
		logger:           config.Logger,
	}, nil
}

// Subject returns the routing subject for an event type.
func (p *Publisher) Subject(eventType canonical.Type) string {
	return p.prefix + "." + string(eventType)
}

// Publish sends event unless it is gated off. Returns whether it was
// sent.
func (p *Publisher) Publish(ctx context.Context, event canonical.Event) (bool, error) {
	if !p.shouldPublish(event) {
		return false, nil
	}
	subject := p.Subject(event.Type)
	if err := p.transport.Send(ctx, subject, Flatten(event)); err != nil {
		return false, fmt.Errorf("bus: publishing %s: %w", subject, err)
	}
	p.logger.Debug("event published", "subject", subject, "event_id", event.EventID)
	return true, nil
}

func (p *Publisher) shouldPublish(event canonical.Event) bool {
	if event.IsPlaceholder() {
		return false
	}
	switch event.Type {
	case canonical.TypeReaction:
		return p.publishReactions
	case canonical.TypeReceipt:
		return p.publishReceipts
	}
	return true
}

// Close closes the transport.
func (p *Publisher) Close() error {
	return p.transport.Close()
}

// Discard is a Transport that drops everything. It backs a
// "none" bus configuration.
type Discard struct{}

func (Discard) Send(context.Context, string, Envelope) error { return nil }
func (Discard) Close() error                                 { return nil }
