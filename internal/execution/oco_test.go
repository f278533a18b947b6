package execution

import (
	"context"
	"errors"
	"slices"
	"testing"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
)

func ocoSell() OCORequest {
	return OCORequest{
		Symbol:          "BTCUSDT",
		Side:            order.SideSell,
		Quantity:        dec("0.01"),
		TakeProfitPrice: dec("52000"),
		StopPrice:       dec("48000"),
		StopLimitPrice:  dec("47900"),
		TimeInForce:     order.GTC,
	}
}

// fillOrder 返回在状态查询时把指定订单标记为成交的钩子。
func fillOrder(id string) func(o *fakeOrder) {
	return func(o *fakeOrder) {
		if o.id == id && !o.status.IsTerminal() {
			o.status = order.StatusFilled
			o.filled = o.req.Quantity
		}
	}
}

func TestOCO_TakeProfitFillCancelsStopLoss(t *testing.T) {
	gw := newFakeGateway()
	gw.statusHook = fillOrder("1")
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), ocoSell())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	subs := gw.submissions()
	if len(subs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(subs))
	}
	if subs[0].Type != order.TypeLimit || subs[1].Type != order.TypeStopLimit {
		t.Fatalf("unexpected leg types %s / %s", subs[0].Type, subs[1].Type)
	}
	if subs[0].Side != subs[1].Side {
		t.Fatalf("both legs must share the exit side")
	}
	if gw.status("1") != order.StatusFilled || gw.status("2") != order.StatusCanceled {
		t.Fatalf("unexpected leg states %s / %s", gw.status("1"), gw.status("2"))
	}
	if outcome.Instance.Status != StatusCompleted || len(outcome.Instance.Notes) != 0 {
		t.Fatalf("unexpected instance %+v", outcome.Instance)
	}
	if len(outcome.Instance.Children) != 2 {
		t.Fatalf("expected 2 children, got %v", outcome.Instance.Children)
	}
}

func TestOCO_BothLegsFilledWhenCancelRaces(t *testing.T) {
	gw := newFakeGateway()
	gw.statusHook = fillOrder("1")
	gw.cancelHook = func(o *fakeOrder) error {
		// 撤单到达前止损腿已成交
		o.status = order.StatusFilled
		o.filled = o.req.Quantity
		return nil
	}
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), ocoSell())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Instance.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", outcome.Instance.Status)
	}
	if !slices.Contains(outcome.Instance.Notes, NoteBothLegsFilled) {
		t.Fatalf("expected BothLegsFilled note, got %v", outcome.Instance.Notes)
	}
	if !outcome.Filled.Equal(dec("0.02")) {
		t.Fatalf("expected both legs counted as filled, got %s", outcome.Filled)
	}
}

func TestOCO_SiblingCancelFailureIsDangling(t *testing.T) {
	gw := newFakeGateway()
	gw.statusHook = fillOrder("1")
	gw.cancelHook = func(*fakeOrder) error { return retryExhausted() }
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), ocoSell())

	var serr *StrategyError
	if !errors.As(err, &serr) || serr.Reason != ReasonDanglingLeg {
		t.Fatalf("expected DanglingLeg, got %v", err)
	}
	if outcome.Instance.Status != StatusFailed || outcome.Instance.Reason != ReasonDanglingLeg {
		t.Fatalf("unexpected instance %+v", outcome.Instance)
	}
	if !slices.Equal(outcome.Dangling, []string{"2"}) {
		t.Fatalf("expected leg 2 reported dangling, got %v", outcome.Dangling)
	}

	open := 0
	for _, id := range []string{"1", "2"} {
		if !gw.status(id).IsTerminal() {
			open++
		}
	}
	if open > 1 {
		t.Fatalf("at most one leg may remain open, got %d", open)
	}
}

func TestOCO_SecondLegRejectedCancelsFirst(t *testing.T) {
	gw := newFakeGateway()
	gw.submitHook = func(req order.Request) error {
		if req.Type == order.TypeStopLimit {
			return exchange.NewRejectedError(-2021, "Order would immediately trigger.")
		}
		return nil
	}
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), ocoSell())
	if !errors.Is(err, exchange.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if outcome.Instance.Status != StatusFailed || outcome.Instance.Reason != ReasonOrderRejected {
		t.Fatalf("unexpected instance %+v", outcome.Instance)
	}
	if gw.status("1") != order.StatusCanceled {
		t.Fatalf("first leg must be canceled, got %s", gw.status("1"))
	}
}

func TestOCO_ExternalCancelOfOneLeg(t *testing.T) {
	gw := newFakeGateway()
	gw.statusHook = func(o *fakeOrder) {
		if o.id == "2" && !o.status.IsTerminal() {
			o.status = order.StatusExpired
		}
	}
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), ocoSell())
	if err != nil {
		t.Fatalf("external cancel is not a failure: %v", err)
	}
	if outcome.Instance.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", outcome.Instance.Status)
	}
	if gw.status("1") != order.StatusCanceled {
		t.Fatalf("sibling must be canceled, got %s", gw.status("1"))
	}
}

func TestOCOFromPercentages(t *testing.T) {
	sell, err := OCOFromPercentages("BTCUSDT", order.SideSell, dec("1"), dec("100"), dec("5"), dec("3"), dec("0.5"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.TakeProfitPrice.Equal(dec("105")) || !sell.StopPrice.Equal(dec("97")) || !sell.StopLimitPrice.Equal(dec("96.515")) {
		t.Fatalf("unexpected sell prices tp=%s stop=%s limit=%s", sell.TakeProfitPrice, sell.StopPrice, sell.StopLimitPrice)
	}

	buy, err := OCOFromPercentages("BTCUSDT", order.SideBuy, dec("1"), dec("100"), dec("5"), dec("3"), dec("0.5"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.TakeProfitPrice.Equal(dec("95")) || !buy.StopPrice.Equal(dec("103")) || !buy.StopLimitPrice.Equal(dec("103.515")) {
		t.Fatalf("unexpected buy prices tp=%s stop=%s limit=%s", buy.TakeProfitPrice, buy.StopPrice, buy.StopLimitPrice)
	}

	if _, err := OCOFromPercentages("BTCUSDT", order.SideSell, dec("1"), dec("100"), dec("0"), dec("3"), dec("0")); !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected validation error for zero take profit, got %v", err)
	}
}
