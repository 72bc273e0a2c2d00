package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/fleetpulse-inbound/internal/events"
	"github.com/angelmondragon/fleetpulse-inbound/internal/registry"
	"github.com/angelmondragon/fleetpulse-inbound/internal/router"
	pkgerrors "github.com/angelmondragon/fleetpulse-inbound/pkg/errors"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

func TestUnregisteredDeviceRoutesToUnregisteredSink(t *testing.T) {
	reg := &stubRegistry{}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 2)
	defer d.Stop()

	submitPayload(t, d, "dev-123")

	waitFor(t, func() bool { return sinks.count(router.SinkUnregistered) == 1 })
	writes := sinks.writes(router.SinkUnregistered)
	if writes[0].key != "dev-123" {
		t.Fatalf("unexpected key %q", writes[0].key)
	}
	if sinks.count(router.SinkPrimary) != 0 {
		t.Fatal("unregistered payload must never reach primary")
	}
}

func TestEmptyAssignmentIDsRouteToUnassignedWithoutLookup(t *testing.T) {
	reg := &stubRegistry{
		devices: map[string]*registry.DeviceIdentity{
			"dev-456": {ID: uuid.New(), Token: "dev-456"},
		},
	}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 2)
	defer d.Stop()

	submitPayload(t, d, "dev-456")

	waitFor(t, func() bool { return sinks.count(router.SinkUnassigned) == 1 })
	if sinks.writes(router.SinkUnassigned)[0].key != "dev-456" {
		t.Fatalf("unexpected key %q", sinks.writes(router.SinkUnassigned)[0].key)
	}
	if atomic.LoadInt64(&reg.assignmentCalls) != 0 {
		t.Fatal("empty id set must short-circuit the assignment lookup")
	}
	if sinks.count(router.SinkPrimary) != 0 {
		t.Fatal("unassigned payload must never reach primary")
	}
}

func TestEmptyResolvedAssignmentsRouteToUnassigned(t *testing.T) {
	deviceID := uuid.New()
	reg := &stubRegistry{
		devices: map[string]*registry.DeviceIdentity{
			"dev-456": {ID: deviceID, Token: "dev-456", ActiveAssignmentIDs: []uuid.UUID{uuid.New()}},
		},
		assignments: map[uuid.UUID][]registry.ActiveAssignment{
			deviceID: {},
		},
	}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 2)
	defer d.Stop()

	submitPayload(t, d, "dev-456")

	waitFor(t, func() bool { return sinks.count(router.SinkUnassigned) == 1 })
	if atomic.LoadInt64(&reg.assignmentCalls) != 1 {
		t.Fatalf("expected one assignment lookup, got %d", reg.assignmentCalls)
	}
}

func TestValidDeviceRoutesToPrimaryWithReserializedPayload(t *testing.T) {
	deviceID := uuid.New()
	reg := &stubRegistry{
		devices: map[string]*registry.DeviceIdentity{
			"dev-789": {ID: deviceID, Token: "dev-789", ActiveAssignmentIDs: []uuid.UUID{uuid.New()}},
		},
		assignments: map[uuid.UUID][]registry.ActiveAssignment{
			deviceID: {{ID: uuid.New(), DeviceID: deviceID, Status: "active"}},
		},
	}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 2)
	defer d.Stop()

	payload := events.DecodedEventPayload{
		DeviceToken: "dev-789",
		Event:       json.RawMessage(`{"type":"measurement","value":3.2}`),
	}
	if err := d.Process(context.Background(), "decoded-events-0", []events.DecodedEventPayload{payload}); err != nil {
		t.Fatalf("process: %v", err)
	}

	waitFor(t, func() bool { return sinks.count(router.SinkPrimary) == 1 })
	write := sinks.writes(router.SinkPrimary)[0]
	if write.key != "dev-789" {
		t.Fatalf("unexpected key %q", write.key)
	}
	expected, err := payload.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(write.payload) != string(expected) {
		t.Fatalf("payload bytes must equal the re-serialized original\nwant %s\ngot  %s", expected, write.payload)
	}
	if sinks.count(router.SinkUnregistered) != 0 || sinks.count(router.SinkUnassigned) != 0 {
		t.Fatal("valid payload must never reach a remediation sink")
	}
}

func TestBatchLargerThanPoolIsFullyRouted(t *testing.T) {
	const poolSize = 2
	const batchSize = 16

	reg := &stubRegistry{trackConcurrency: true}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, poolSize)
	defer d.Stop()

	payloads := make([]events.DecodedEventPayload, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		payloads = append(payloads, events.DecodedEventPayload{DeviceToken: uuid.NewString()})
	}
	if err := d.Process(context.Background(), "decoded-events-1", payloads); err != nil {
		t.Fatalf("process: %v", err)
	}

	waitFor(t, func() bool { return sinks.count(router.SinkUnregistered) == batchSize })
	if max := atomic.LoadInt64(&reg.maxConcurrent); max > poolSize {
		t.Fatalf("observed %d concurrent lookups with pool of %d", max, poolSize)
	}
}

func TestStopAbandonsInFlightTasks(t *testing.T) {
	reg := &stubRegistry{blockUntilCancel: true}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 2)

	submitPayload(t, d, "dev-123")
	submitPayload(t, d, "dev-456")
	waitFor(t, func() bool { return atomic.LoadInt64(&reg.deviceCalls) >= 1 })

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop must not wait for in-flight tasks")
	}

	// Idempotent.
	d.Stop()

	if sinks.total() != 0 {
		t.Fatalf("abandoned tasks must not route, saw %d writes", sinks.total())
	}
}

func TestRestartReplacesPool(t *testing.T) {
	reg := &stubRegistry{}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 1)

	if err := d.Start(Config{ThreadCount: 3}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer d.Stop()

	submitPayload(t, d, "dev-123")
	waitFor(t, func() bool { return sinks.count(router.SinkUnregistered) == 1 })
}

func TestStartRejectsNonPositiveThreadCount(t *testing.T) {
	d := newDispatcher(t, &stubRegistry{}, newRecordingSinks(), nil)
	for _, count := range []int{0, -1} {
		err := d.Start(Config{ThreadCount: count})
		if err == nil {
			t.Fatalf("expected error for thread count %d", count)
		}
		if pkgerrors.CodeFor(err) != pkgerrors.CodeConfig {
			t.Fatalf("expected config error, got %v", err)
		}
	}
}

func TestProcessBeforeStartErrors(t *testing.T) {
	d := newDispatcher(t, &stubRegistry{}, newRecordingSinks(), nil)
	err := d.Process(context.Background(), "decoded-events-0", []events.DecodedEventPayload{{DeviceToken: "dev-1"}})
	if err == nil {
		t.Fatal("expected error before Start")
	}
}

func TestLookupTimersRecordedOncePerTask(t *testing.T) {
	deviceID := uuid.New()
	reg := &stubRegistry{
		devices: map[string]*registry.DeviceIdentity{
			"dev-ok":  {ID: deviceID, Token: "dev-ok", ActiveAssignmentIDs: []uuid.UUID{uuid.New()}},
			"dev-err": {ID: uuid.New(), Token: "dev-err", ActiveAssignmentIDs: []uuid.UUID{uuid.New()}},
		},
		assignments: map[uuid.UUID][]registry.ActiveAssignment{
			deviceID: {{ID: uuid.New(), DeviceID: deviceID, Status: "active"}},
		},
		assignmentErrToken: "dev-err",
	}
	sinks := newRecordingSinks()
	promReg := prometheus.NewRegistry()
	d := newDispatcher(t, reg, sinks, promReg)
	if err := d.Start(Config{ThreadCount: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	submitPayload(t, d, "dev-ok")
	submitPayload(t, d, "dev-err")

	waitFor(t, func() bool { return sinks.count(router.SinkPrimary) == 1 })
	waitFor(t, func() bool { return atomic.LoadInt64(&reg.assignmentCalls) == 2 })

	waitFor(t, func() bool { return histogramCount(t, promReg, "inbound_device_lookup_seconds") == 2 })
	waitFor(t, func() bool { return histogramCount(t, promReg, "inbound_assignment_lookup_seconds") == 2 })
}

func TestLookupFailureAbandonsPayloadWithoutRouting(t *testing.T) {
	reg := &stubRegistry{deviceErr: errors.New("registry unreachable")}
	sinks := newRecordingSinks()
	d := startDispatcher(t, reg, sinks, 2)
	defer d.Stop()

	submitPayload(t, d, "dev-123")

	waitFor(t, func() bool { return atomic.LoadInt64(&reg.deviceCalls) == 1 })
	time.Sleep(50 * time.Millisecond)
	if sinks.total() != 0 {
		t.Fatalf("failed lookup must not route, saw %d writes", sinks.total())
	}
}

func TestSinkWriteFailureIsContained(t *testing.T) {
	reg := &stubRegistry{}
	sinks := newRecordingSinks()
	sinks.err = errors.New("sink unavailable")
	d := startDispatcher(t, reg, sinks, 1)
	defer d.Stop()

	submitPayload(t, d, "dev-123")
	waitFor(t, func() bool { return atomic.LoadInt64(&reg.deviceCalls) == 1 })

	// A later payload still processes after the failure.
	sinks.setErr(nil)
	submitPayload(t, d, "dev-456")
	waitFor(t, func() bool { return sinks.count(router.SinkUnregistered) == 1 })
}

// helpers

func startDispatcher(t *testing.T, reg registry.Client, sinks *recordingSinks, threads int) *Dispatcher {
	t.Helper()
	d := newDispatcher(t, reg, sinks, nil)
	if err := d.Start(Config{ThreadCount: threads}); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	return d
}

func newDispatcher(t *testing.T, reg registry.Client, sinks *recordingSinks, promReg *prometheus.Registry) *Dispatcher {
	t.Helper()
	var m *metrics.InboundMetrics
	if promReg != nil {
		m = metrics.NewInboundMetrics(promReg)
	} else {
		m = metrics.NewInboundMetrics(nil)
	}
	d, err := New(Params{
		Registry: reg,
		Sinks:    sinks,
		Metrics:  m,
		Logger:   logger.New(logger.Options{ServiceName: "dispatch-test"}),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func submitPayload(t *testing.T, d *Dispatcher, token string) {
	t.Helper()
	err := d.Process(context.Background(), "decoded-events-0", []events.DecodedEventPayload{{DeviceToken: token}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return int(mf.GetMetric()[0].GetHistogram().GetSampleCount())
		}
	}
	return 0
}

type stubRegistry struct {
	devices            map[string]*registry.DeviceIdentity
	assignments        map[uuid.UUID][]registry.ActiveAssignment
	deviceErr          error
	assignmentErrToken string
	blockUntilCancel   bool
	trackConcurrency   bool

	deviceCalls     int64
	assignmentCalls int64
	current         int64
	maxConcurrent   int64
}

func (s *stubRegistry) DeviceByToken(ctx context.Context, token string) (*registry.DeviceIdentity, error) {
	atomic.AddInt64(&s.deviceCalls, 1)
	if s.trackConcurrency {
		cur := atomic.AddInt64(&s.current, 1)
		for {
			max := atomic.LoadInt64(&s.maxConcurrent)
			if cur <= max || atomic.CompareAndSwapInt64(&s.maxConcurrent, max, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		defer atomic.AddInt64(&s.current, -1)
	}
	if s.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.deviceErr != nil {
		return nil, s.deviceErr
	}
	return s.devices[token], nil
}

func (s *stubRegistry) ActiveAssignments(ctx context.Context, deviceID uuid.UUID) ([]registry.ActiveAssignment, error) {
	atomic.AddInt64(&s.assignmentCalls, 1)
	for token, identity := range s.devices {
		if identity.ID == deviceID && token == s.assignmentErrToken {
			return nil, errors.New("assignment lookup failed")
		}
	}
	return s.assignments[deviceID], nil
}

type sinkWrite struct {
	key     string
	payload []byte
}

type recordingSinks struct {
	mu     sync.Mutex
	bySink map[router.Sink][]sinkWrite
	err    error
}

func newRecordingSinks() *recordingSinks {
	return &recordingSinks{bySink: make(map[router.Sink][]sinkWrite)}
}

func (r *recordingSinks) Send(ctx context.Context, sink router.Sink, key string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.bySink[sink] = append(r.bySink[sink], sinkWrite{key: key, payload: payload})
	return nil
}

func (r *recordingSinks) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingSinks) count(sink router.Sink) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySink[sink])
}

func (r *recordingSinks) writes(sink router.Sink) []sinkWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkWrite(nil), r.bySink[sink]...)
}

func (r *recordingSinks) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, writes := range r.bySink {
		total += len(writes)
	}
	return total
}
