package router

import (
	"context"
	"errors"
	"fmt"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	pkgerrors "github.com/angelmondragon/fleetpulse-inbound/pkg/errors"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"go.uber.org/multierr"
)

// Sink names the logical output channels for validated and remediation
// traffic.
type Sink string

const (
	SinkPrimary      Sink = "primary"
	SinkUnregistered Sink = "unregistered"
	SinkUnassigned   Sink = "unassigned"
)

// Sender is one outbound keyed channel.
type Sender interface {
	Send(ctx context.Context, key string, payload []byte) error
	Close() error
}

// Router maps logical sinks onto senders. The unassigned sink is a
// configuration point: when no dedicated sender is supplied, unassigned
// events share the unregistered channel.
type Router struct {
	primary      Sender
	unregistered Sender
	unassigned   Sender
	logg         *logger.Logger
}

// Params collects the router dependencies.
type Params struct {
	Primary      Sender
	Unregistered Sender
	Unassigned   Sender
	Logger       *logger.Logger
}

// New builds a router. Unassigned may be nil.
func New(params Params) (*Router, error) {
	if params.Primary == nil {
		return nil, errors.New("primary sender is required")
	}
	if params.Unregistered == nil {
		return nil, errors.New("unregistered sender is required")
	}
	if params.Logger == nil {
		return nil, errors.New("router logger is required")
	}

	unassigned := params.Unassigned
	if unassigned == nil {
		unassigned = params.Unregistered
		params.Logger.Info(context.Background(), "no unassigned topic configured, unassigned events share the unregistered channel")
	}

	return &Router{
		primary:      params.Primary,
		unregistered: params.Unregistered,
		unassigned:   unassigned,
		logg:         params.Logger,
	}, nil
}

// Send writes the payload to the named sink, keyed by device token.
func (r *Router) Send(ctx context.Context, sink Sink, key string, payload []byte) error {
	var target Sender
	switch sink {
	case SinkPrimary:
		target = r.primary
	case SinkUnregistered:
		target = r.unregistered
	case SinkUnassigned:
		target = r.unassigned
	default:
		return pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unknown sink %q", sink))
	}
	return target.Send(ctx, key, payload)
}

// Close flushes and releases all distinct senders.
func (r *Router) Close() error {
	errs := []error{r.primary.Close(), r.unregistered.Close()}
	if r.unassigned != r.unregistered {
		errs = append(errs, r.unassigned.Close())
	}
	return multierr.Combine(errs...)
}

// PubSubSender adapts a Pub/Sub publisher to the Sender interface. The
// device token rides as a message attribute so downstream consumers can
// partition on it.
type PubSubSender struct {
	publisher *gcppubsub.Publisher
}

// NewPubSubSender wraps a publisher handle.
func NewPubSubSender(publisher *gcppubsub.Publisher) (*PubSubSender, error) {
	if publisher == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	return &PubSubSender{publisher: publisher}, nil
}

// Send publishes the payload and blocks until the server acknowledges it.
func (s *PubSubSender) Send(ctx context.Context, key string, payload []byte) error {
	result := s.publisher.Publish(ctx, &gcppubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"device_token": key},
	})
	if _, err := result.Get(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "publish to sink")
	}
	return nil
}

// Close flushes buffered messages.
func (s *PubSubSender) Close() error {
	s.publisher.Stop()
	return nil
}
