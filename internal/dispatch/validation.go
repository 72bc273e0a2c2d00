package dispatch

import (
	"context"
	"fmt"

	"github.com/angelmondragon/fleetpulse-inbound/internal/events"
	"github.com/angelmondragon/fleetpulse-inbound/internal/registry"
	"github.com/angelmondragon/fleetpulse-inbound/internal/router"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/metrics"
)

// runValidation verifies that the payload belongs to a registered device
// with at least one active assignment, then routes it to exactly one
// sink. Lookup failures abandon the task; the payload is neither routed
// nor retried here.
func (d *Dispatcher) runValidation(ctx context.Context, payload events.DecodedEventPayload) {
	identity, err := d.lookupDevice(ctx, payload.DeviceToken)
	if err != nil {
		d.metrics.IncFailure(metrics.StageDeviceLookup)
		d.logg.Error(ctx, "device lookup failed, abandoning payload", err)
		return
	}
	if identity == nil {
		d.logg.Info(ctx, "device is not registered, forwarding to unregistered devices sink")
		d.route(ctx, router.SinkUnregistered, metrics.OutcomeUnregistered, payload)
		return
	}

	// A registered device with no active assignment ids never had an
	// assignment activated; skip the network lookup.
	if len(identity.ActiveAssignmentIDs) == 0 {
		d.logg.Info(ctx, "device is not currently assigned, forwarding to unassigned devices sink")
		d.route(ctx, router.SinkUnassigned, metrics.OutcomeUnassigned, payload)
		return
	}

	assignments, err := d.lookupAssignments(ctx, identity)
	if err != nil {
		d.metrics.IncFailure(metrics.StageAssignmentLookup)
		d.logg.Error(ctx, "assignment lookup failed, abandoning payload", err)
		return
	}
	if len(assignments) == 0 {
		d.logg.Info(ctx, "device is not currently assigned, forwarding to unassigned devices sink")
		d.route(ctx, router.SinkUnassigned, metrics.OutcomeUnassigned, payload)
		return
	}

	d.logg.Debug(ctx, fmt.Sprintf("found %d active assignment(s), forwarding payload for further processing", len(assignments)))
	d.route(ctx, router.SinkPrimary, metrics.OutcomeValid, payload)
}

// lookupDevice times the registry call; the timer closes on every exit
// path, including panics inside the client.
func (d *Dispatcher) lookupDevice(ctx context.Context, token string) (*registry.DeviceIdentity, error) {
	timer := d.metrics.StartDeviceLookupTimer()
	defer timer.Close()
	return d.registry.DeviceByToken(ctx, token)
}

func (d *Dispatcher) lookupAssignments(ctx context.Context, identity *registry.DeviceIdentity) ([]registry.ActiveAssignment, error) {
	timer := d.metrics.StartAssignmentLookupTimer()
	defer timer.Close()
	return d.registry.ActiveAssignments(ctx, identity.ID)
}

// route re-serializes the payload and writes it to the sink, keyed by
// device token. A failed write means the payload is lost for this pass;
// redelivery is the upstream source's contract.
func (d *Dispatcher) route(ctx context.Context, sink router.Sink, outcome string, payload events.DecodedEventPayload) {
	data, err := payload.Marshal()
	if err != nil {
		d.metrics.IncFailure(metrics.StageRouting)
		d.logg.Error(ctx, "failed to serialize payload for routing", err)
		return
	}
	if err := d.sinks.Send(ctx, sink, payload.DeviceToken, data); err != nil {
		d.metrics.IncFailure(metrics.StageRouting)
		d.logg.Error(ctx, fmt.Sprintf("failed to write payload to %s sink", sink), err)
		return
	}
	d.metrics.IncRouted(outcome)
}
