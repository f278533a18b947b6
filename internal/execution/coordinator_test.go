package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
	"algo-engine/internal/tracker"
)

func TestCoordinator_RejectsInvalidRequestBeforeNetwork(t *testing.T) {
	gw := newFakeGateway("50000")
	coord, _ := newTestCoordinator(gw, nil)

	req := stopLimitBuy()
	req.LimitPrice = dec("0")
	if _, err := coord.Submit(context.Background(), req); !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := coord.Submit(context.Background(), nil); !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected validation error for nil request, got %v", err)
	}
	if gw.priceCalls != 0 || len(gw.submissions()) != 0 {
		t.Fatalf("invalid requests must not reach the exchange")
	}
	if len(coord.Active()) != 0 {
		t.Fatalf("invalid requests must not be tracked as active")
	}
}

func TestCoordinator_EnforcesConfiguredLimits(t *testing.T) {
	opts := testOptions()
	opts.MaxSlices = 10
	opts.MaxGridLevels = 20
	coord := NewCoordinator(newFakeGateway("100"), nil, opts, nil, nil)

	if _, err := coord.Submit(context.Background(), twapBuy("1", 11)); !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected slice limit error, got %v", err)
	}
	if _, err := coord.Submit(context.Background(), grid("90", "110", 21)); !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected level limit error, got %v", err)
	}
}

func TestCoordinator_CancelUnknown(t *testing.T) {
	coord, _ := newTestCoordinator(newFakeGateway(), nil)
	if err := coord.Cancel("missing"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestCoordinator_ActiveAndShutdown(t *testing.T) {
	gw := newFakeGateway("50000")
	coord, tr := newTestCoordinator(gw, nil)

	first, err := coord.Submit(context.Background(), stopLimitBuy())
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	second, err := coord.Submit(context.Background(), grid("40000", "60000", 5))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitFor(t, func() bool { return len(gw.submissions()) == 4 })

	active := coord.Active()
	if len(active) != 2 {
		t.Fatalf("unexpected active set %+v", active)
	}
	for _, inst := range active {
		if inst.ID != first.ID() && inst.ID != second.ID() {
			t.Fatalf("unexpected active instance %s", inst.ID)
		}
		if inst.Status != StatusRunning {
			t.Fatalf("active instance must be running, got %s", inst.Status)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	for _, h := range []*Handle{first, second} {
		select {
		case <-h.Done():
		default:
			t.Fatalf("strategy %s still running after shutdown", h.ID())
		}
		if h.Snapshot().Status != StatusCancelled {
			t.Fatalf("expected CANCELLED, got %s", h.Snapshot().Status)
		}
	}
	for _, id := range []string{"1", "2", "3", "4"} {
		if gw.status(id) != order.StatusCanceled {
			t.Fatalf("order %s must be canceled on shutdown, got %s", id, gw.status(id))
		}
	}
	if len(coord.Active()) != 0 || tr.Len() != 0 {
		t.Fatalf("shutdown must release all state")
	}
	if _, err := coord.Submit(context.Background(), stopLimitBuy()); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestCoordinator_JournalEvents(t *testing.T) {
	gw := newFakeGateway()
	journal := &fakeJournal{}
	coord, _ := newTestCoordinator(gw, journal)

	outcome, err := coord.Execute(context.Background(), twapBuy("0.2", 2))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	kinds := make([]string, 0, len(journal.events))
	for _, ev := range journal.events {
		if ev.strategyID != outcome.Instance.ID {
			t.Fatalf("event for foreign strategy %+v", ev)
		}
		kinds = append(kinds, ev.kind)
	}
	want := []string{"started", "order", "order", "finished"}
	if len(kinds) != len(want) {
		t.Fatalf("unexpected events %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("unexpected events %v", kinds)
		}
	}
	if last := journal.events[len(journal.events)-1]; last.status != StatusCompleted {
		t.Fatalf("finished event must carry final status, got %s", last.status)
	}
}

func TestCoordinator_CleanupFailureForcesDanglingLeg(t *testing.T) {
	gw := newFakeGateway("52000")
	gw.cancelHook = func(*fakeOrder) error { return retryExhausted() }
	coord, _ := newTestCoordinator(gw, nil)

	h, err := coord.Submit(context.Background(), stopLimitBuy())
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitFor(t, func() bool { return len(gw.submissions()) == 1 })
	h.Cancel()

	outcome, _ := h.Wait(context.Background())
	if outcome.Instance.Status != StatusFailed || outcome.Instance.Reason != ReasonDanglingLeg {
		t.Fatalf("expected FAILED DanglingLeg, got %+v", outcome.Instance)
	}
	if len(outcome.Dangling) != 1 || outcome.Dangling[0] != "1" {
		t.Fatalf("unexpected dangling %v", outcome.Dangling)
	}
	if outcome.Cancels[0].Attempts != 2 {
		t.Fatalf("expected 2 cancel attempts, got %d", outcome.Cancels[0].Attempts)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status Status
		reason Reason
	}{
		{nil, StatusCompleted, ""},
		{context.Canceled, StatusCancelled, ""},
		{ErrOrderCanceled, StatusCancelled, ""},
		{&StrategyError{Reason: ReasonPriceFeedUnavailable}, StatusFailed, ReasonPriceFeedUnavailable},
		{&tracker.InvalidTransitionError{OrderID: "1", From: order.StatusFilled, To: order.StatusNew}, StatusFailed, ReasonInvalidTransition},
		{&order.ValidationError{Field: "price"}, StatusFailed, ReasonInvalidRequest},
		{exchange.NewRejectedError(-2010, "rejected"), StatusFailed, ReasonOrderRejected},
		{exchange.ErrMaintenance, StatusFailed, ReasonMaintenance},
		{retryExhausted(), StatusFailed, ReasonRetryExhausted},
		{errors.New("boom"), StatusFailed, ReasonInternal},
	}
	for _, tc := range cases {
		status, reason := classify(tc.err)
		if status != tc.status || reason != tc.reason {
			t.Errorf("classify(%v) = %s/%s, want %s/%s", tc.err, status, reason, tc.status, tc.reason)
		}
	}
}

type panicExecutor struct{}

func (panicExecutor) run(context.Context, *runtime) error { panic("executor bug") }

func TestSafeRunRecoversPanic(t *testing.T) {
	err := safeRun(context.Background(), &runtime{}, panicExecutor{})
	var serr *StrategyError
	if !errors.As(err, &serr) || serr.Reason != ReasonInternal {
		t.Fatalf("expected internal strategy error, got %v", err)
	}
}
