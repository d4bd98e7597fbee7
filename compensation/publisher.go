package compensation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/premisehq/saga/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/premisehq/saga/compensation"

// Publisher sends compensation commands and results onto a transport.
type Publisher struct {
	transport transport.Transport
	codec     Codec
	source    string
	logger    *slog.Logger
	tracer    trace.Tracer
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherCodec sets the body codec. Defaults to JSON.
func WithPublisherCodec(c Codec) PublisherOption {
	return func(p *Publisher) {
		if c != nil {
			p.codec = c
		}
	}
}

// WithSource sets the message source. Defaults to "saga".
func WithSource(source string) PublisherOption {
	return func(p *Publisher) {
		if source != "" {
			p.source = source
		}
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher creates a publisher on t.
func NewPublisher(t transport.Transport, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: t,
		codec:     JSON{},
		source:    "saga",
		logger:    transport.Logger("compensation>publisher"),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register creates the topics for each resource type. Topics that already
// exist are not an error.
func (p *Publisher) Register(ctx context.Context, resources ...string) error {
	for _, r := range resources {
		if err := validResource(r); err != nil {
			return err
		}
		if err := transport.RegisterAll(ctx, p.transport, TopicsFor(r).All()...); err != nil {
			return fmt.Errorf("compensation: register %s: %w", r, err)
		}
	}
	return nil
}

// PublishDelete publishes a delete command for resource.
func (p *Publisher) PublishDelete(ctx context.Context, resource string, cmd Command) error {
	if err := validResource(resource); err != nil {
		return err
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	return p.publish(ctx, TopicsFor(resource).Delete, cmd)
}

// PublishResult publishes the outcome of a delete. A command with Error set
// goes to the failure topic.
func (p *Publisher) PublishResult(ctx context.Context, resource string, cmd Command) error {
	topics := TopicsFor(resource)
	if cmd.Error != "" {
		return p.publish(ctx, topics.Failure, cmd)
	}
	return p.publish(ctx, topics.Success, cmd)
}

func (p *Publisher) publish(ctx context.Context, topic string, cmd Command) error {
	ctx, span := p.tracer.Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("saga.id", cmd.SagaID),
			attribute.String("saga.resource_id", cmd.ResourceID),
		))
	defer span.End()

	data, metadata, err := encodeCommand(p.codec, cmd)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	msg := transport.NewMessage(transport.NewID(), p.source, data, metadata, span.SpanContext())
	if err := p.transport.Publish(ctx, topic, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("compensation: publish %s: %w", topic, err)
	}

	p.logger.Debug("published", "topic", topic, "saga_id", cmd.SagaID, "resource_id", cmd.ResourceID, "msg_id", msg.ID())
	return nil
}
