package consumer

import (
	"context"
	"errors"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/fleetpulse-inbound/internal/events"
	pkgerrors "github.com/angelmondragon/fleetpulse-inbound/pkg/errors"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
)

// Dispatcher is the submission surface the consumer hands batches to.
type Dispatcher interface {
	Process(ctx context.Context, partition string, payloads []events.DecodedEventPayload) error
}

// Service consumes decoded-event batch envelopes from Pub/Sub and feeds
// them to the validation dispatcher. A message is acked as soon as task
// submission returns; task completion is not awaited, matching the
// upstream offset-commit contract.
type Service struct {
	subscription *gcppubsub.Subscriber
	dispatcher   Dispatcher
	logg         *logger.Logger
}

// NewService creates the batch consumer.
func NewService(subscription *gcppubsub.Subscriber, dispatcher Dispatcher, logg *logger.Logger) (*Service, error) {
	if subscription == nil {
		return nil, errors.New("decoded events subscription is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Service{
		subscription: subscription,
		dispatcher:   dispatcher,
		logg:         logg,
	}, nil
}

type processResult struct {
	nack bool
}

// Run starts consuming batches until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.subscription.Receive(ctx, func(innerCtx context.Context, msg *gcppubsub.Message) {
		if s.process(innerCtx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

func (s *Service) process(ctx context.Context, msg *gcppubsub.Message) processResult {
	fields := map[string]any{
		"message_id": msg.ID,
	}

	envelope, err := events.DecodeBatch(msg.Data)
	if err != nil {
		// Poison messages must not loop forever on the subscription.
		fields["error"] = err.Error()
		s.logg.Warn(s.logg.WithFields(ctx, fields), "invalid batch envelope, dropping message")
		return processResult{}
	}

	fields["batch_id"] = envelope.BatchID
	fields["partition"] = envelope.Partition
	fields["payload_count"] = len(envelope.Payloads)
	logCtx := s.logg.WithFields(ctx, fields)

	if err := s.dispatcher.Process(logCtx, envelope.Partition, envelope.Payloads); err != nil {
		if pkgerrors.IsRetryable(err) {
			s.logg.Error(logCtx, "batch submission failed, requeueing", err)
			return processResult{nack: true}
		}
		s.logg.Error(logCtx, "batch submission failed, dropping message", err)
		return processResult{}
	}

	s.logg.Info(logCtx, "batch submitted for validation")
	return processResult{}
}
