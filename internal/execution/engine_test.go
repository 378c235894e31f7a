package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quantcycle/internal/config"
	"quantcycle/internal/exchange"
	"quantcycle/internal/risk"
	"quantcycle/internal/strategy"
)

type statusStep struct {
	status exchange.OrderStatus
	err    error
}

type fakeGateway struct {
	mu          sync.Mutex
	placeErrs   []error
	placeCalls  int
	statusSteps []statusStep
	statusCalls int
}

func (g *fakeGateway) Authenticate(context.Context) error { return nil }

func (g *fakeGateway) FetchSnapshot(context.Context, string) (exchange.Snapshot, error) {
	return exchange.Snapshot{}, errors.New("not implemented")
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	if g.placeCalls < len(g.placeErrs) {
		err = g.placeErrs[g.placeCalls]
	}
	g.placeCalls++
	if err != nil {
		return exchange.OrderAck{}, err
	}
	return exchange.OrderAck{OrderID: "ex-1", ClientRef: req.ClientRef}, nil
}

func (g *fakeGateway) FetchOrderStatus(_ context.Context, _, _ string) (exchange.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	step := statusStep{err: exchange.ErrOrderNotFound}
	if len(g.statusSteps) > 0 {
		step = g.statusSteps[0]
		if len(g.statusSteps) > 1 {
			g.statusSteps = g.statusSteps[1:]
		}
	}
	g.statusCalls++
	return step.status, step.err
}

func testEngineConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MaxAttempts:  3,
		MinDelay:     time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		PollInterval: time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
	}
}

func pendingOrder() Order {
	return Order{
		ID:         "d-1",
		ClientRef:  "d-1",
		DecisionID: "d-1",
		Instrument: "BTC/USDT",
		Side:       exchange.OrderSideBuy,
		Type:       "market",
		Quantity:   0.016,
		Price:      50000,
		State:      OrderStatePending,
	}
}

func filledStatus(qty, price float64) exchange.OrderStatus {
	return exchange.OrderStatus{
		OrderID:        "ex-1",
		ClientRef:      "d-1",
		State:          "closed",
		FilledQuantity: qty,
		AvgFillPrice:   price,
	}
}

func TestExecuteFillsOnHappyPath(t *testing.T) {
	gateway := &fakeGateway{
		statusSteps: []statusStep{{status: filledStatus(0.016, 50010)}},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	order, err := engine.Execute(context.Background(), pendingOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != OrderStateFilled {
		t.Fatalf("expected filled, got %s", order.State)
	}
	if order.FilledQuantity != 0.016 || order.AvgFillPrice != 50010 {
		t.Errorf("unexpected fill: qty=%.6f price=%.2f", order.FilledQuantity, order.AvgFillPrice)
	}
	if gateway.placeCalls != 1 {
		t.Errorf("expected single submission, got %d", gateway.placeCalls)
	}
}

func TestExecuteAmbiguousFailureQueriesBeforeResubmit(t *testing.T) {
	gateway := &fakeGateway{
		placeErrs:   []error{context.DeadlineExceeded},
		statusSteps: []statusStep{{status: filledStatus(0.016, 50010)}},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	order, err := engine.Execute(context.Background(), pendingOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != OrderStateFilled {
		t.Fatalf("expected fill adopted from status query, got %s", order.State)
	}
	if gateway.placeCalls != 1 {
		t.Errorf("ambiguous failure with confirmed order must not resubmit, got %d submissions", gateway.placeCalls)
	}
}

func TestExecuteAmbiguousNotFoundRetriesOnce(t *testing.T) {
	gateway := &fakeGateway{
		placeErrs: []error{context.DeadlineExceeded, nil},
		statusSteps: []statusStep{
			{err: exchange.ErrOrderNotFound},
			{status: filledStatus(0.016, 50010)},
		},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	order, err := engine.Execute(context.Background(), pendingOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != OrderStateFilled {
		t.Fatalf("expected fill after safe resubmit, got %s", order.State)
	}
	if gateway.placeCalls != 2 {
		t.Errorf("expected exactly one resubmit after not-found, got %d", gateway.placeCalls)
	}
}

func TestExecuteNonTransientRejectsWithoutRetry(t *testing.T) {
	gateway := &fakeGateway{
		placeErrs: []error{errors.New("insufficient balance")},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	order, err := engine.Execute(context.Background(), pendingOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != OrderStateRejected {
		t.Fatalf("expected terminal rejection, got %s", order.State)
	}
	if gateway.placeCalls != 1 {
		t.Errorf("non-transient error must not retry, got %d submissions", gateway.placeCalls)
	}
}

func TestExecuteExhaustsAttemptsThenRejects(t *testing.T) {
	gateway := &fakeGateway{
		placeErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	order, err := engine.Execute(context.Background(), pendingOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != OrderStateRejected {
		t.Fatalf("expected rejection after exhausting attempts, got %s", order.State)
	}
	if gateway.placeCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", gateway.placeCalls)
	}
	if order.Attempts != 3 {
		t.Errorf("expected attempts recorded as 3, got %d", order.Attempts)
	}
}

func TestExecutePollTimeoutLeavesOrderUnresolved(t *testing.T) {
	gateway := &fakeGateway{
		statusSteps: []statusStep{{status: exchange.OrderStatus{OrderID: "ex-1", State: "open"}}},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	order, err := engine.Execute(context.Background(), pendingOrder())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if order.State != OrderStateUnresolved {
		t.Fatalf("expected unresolved after poll timeout, got %s", order.State)
	}
}

func TestReconcileResolvesLeftoverOrder(t *testing.T) {
	gateway := &fakeGateway{
		statusSteps: []statusStep{{status: filledStatus(0.016, 50010)}},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	leftover := pendingOrder()
	leftover.State = OrderStateUnresolved

	order, err := engine.Reconcile(context.Background(), leftover)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if order.State != OrderStateFilled {
		t.Errorf("expected reconciled fill, got %s", order.State)
	}
}

func TestReconcileNotFoundRejects(t *testing.T) {
	gateway := &fakeGateway{
		statusSteps: []statusStep{{err: exchange.ErrOrderNotFound}},
	}
	engine, err := NewEngine(testEngineConfig(), gateway, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	leftover := pendingOrder()
	leftover.State = OrderStateUnresolved

	order, err := engine.Reconcile(context.Background(), leftover)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if order.State != OrderStateRejected {
		t.Errorf("missing order must settle as rejected, got %s", order.State)
	}
}

func TestBuildOrderMapsDirectionToSide(t *testing.T) {
	decision := risk.Decision{
		ID:         "d-1",
		Instrument: "BTC/USDT",
		Direction:  strategy.DirectionLong,
		Outcome:    risk.OutcomeApproved,
		Quantity:   0.016,
		Notional:   800,
	}
	sig := strategy.Signal{ID: "s-1", Entry: 50000, StopLoss: 49000, Target: 52000}

	order, err := BuildOrder(decision, sig, 0, config.ExecutionConfig{})
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	if order.Side != exchange.OrderSideBuy {
		t.Errorf("long decision must buy, got %s", order.Side)
	}
	if order.ClientRef != "d-1" || order.ID != "d-1" {
		t.Errorf("order must reuse decision id as idempotency key, got %s/%s", order.ID, order.ClientRef)
	}
	if order.Type != "market" {
		t.Errorf("expected default market order, got %s", order.Type)
	}

	decision.Direction = strategy.DirectionFlat
	order, err = BuildOrder(decision, sig, 1.5, config.ExecutionConfig{})
	if err != nil {
		t.Fatalf("BuildOrder flat: %v", err)
	}
	if order.Side != exchange.OrderSideSell {
		t.Errorf("closing a long must sell, got %s", order.Side)
	}

	decision.Outcome = risk.OutcomeRejected
	if _, err := BuildOrder(decision, sig, 0, config.ExecutionConfig{}); err == nil {
		t.Errorf("rejected decision must not build an order")
	}
}

func TestOrderFillMapsTerminalStates(t *testing.T) {
	order := pendingOrder()
	order.State = OrderStateFilled
	order.FilledQuantity = 0.016
	order.AvgFillPrice = 50010

	fill, err := order.Fill()
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if fill.OrderID != order.ID || fill.Price != 50010 || fill.Quantity != 0.016 {
		t.Errorf("unexpected fill mapping: %+v", fill)
	}

	order.State = OrderStateSubmitted
	if _, err := order.Fill(); err == nil {
		t.Errorf("non-terminal order must not convert to a fill")
	}
}
