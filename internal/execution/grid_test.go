package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"algo-engine/internal/exchange"
	"algo-engine/internal/order"
)

func grid(lower, upper string, levels int) GridRequest {
	return GridRequest{
		Symbol:           "BTCUSDT",
		Lower:            dec(lower),
		Upper:            dec(upper),
		Levels:           levels,
		QuantityPerLevel: dec("0.01"),
	}
}

func TestGridLevelPrices(t *testing.T) {
	t.Run("arithmetic", func(t *testing.T) {
		got := grid("90", "110", 5).LevelPrices()
		want := []string{"90", "95", "100", "105", "110"}
		for i, w := range want {
			if !got[i].Equal(dec(w)) {
				t.Fatalf("level %d: expected %s, got %s", i, w, got[i])
			}
		}
	})
	t.Run("geometric", func(t *testing.T) {
		req := grid("100", "400", 3)
		req.Spacing = SpacingGeometric
		got := req.LevelPrices()
		want := []string{"100", "200", "400"}
		for i, w := range want {
			if !got[i].Equal(dec(w)) {
				t.Fatalf("level %d: expected %s, got %s", i, w, got[i])
			}
		}
	})
	t.Run("arithmetic rounds to price places", func(t *testing.T) {
		got := grid("100", "200", 4).LevelPrices()
		want := []string{"100", "133.33333333", "166.66666667", "200"}
		for i, w := range want {
			if !got[i].Equal(dec(w)) {
				t.Fatalf("level %d: expected %s, got %s", i, w, got[i])
			}
		}

		req := grid("100", "200", 4)
		req.PricePlaces = 2
		got = req.LevelPrices()
		if !got[1].Equal(dec("133.33")) || !got[2].Equal(dec("166.67")) {
			t.Fatalf("expected 2 decimal places, got %v", got)
		}
	})
	t.Run("bounds are exact", func(t *testing.T) {
		req := grid("0.3", "1.7", 7)
		req.Spacing = SpacingGeometric
		got := req.LevelPrices()
		if !got[0].Equal(req.Lower) || !got[6].Equal(req.Upper) {
			t.Fatalf("bounds drifted: %s .. %s", got[0], got[6])
		}
		for i := 1; i < len(got); i++ {
			if !got[i].GreaterThan(got[i-1]) {
				t.Fatalf("levels not increasing at %d: %v", i, got)
			}
		}
	})
}

func TestGridValidate(t *testing.T) {
	modify := func(mutate func(r *GridRequest)) GridRequest {
		r := grid("90", "110", 5)
		mutate(&r)
		return r
	}
	cases := map[string]GridRequest{
		"one level":           grid("90", "110", 1),
		"inverted range":      grid("110", "90", 5),
		"zero lower":          grid("0", "90", 5),
		"bad spacing":         modify(func(r *GridRequest) { r.Spacing = "LOG" }),
		"no quantity":         modify(func(r *GridRequest) { r.QuantityPerLevel = dec("0") }),
		"bad sizing":          modify(func(r *GridRequest) { r.Sizing = "PYRAMID" }),
		"martingale x1":       modify(func(r *GridRequest) { r.Sizing = SizingMartingale; r.Multiplier = dec("1") }),
		"dca without total":   modify(func(r *GridRequest) { r.Sizing = SizingDCA; r.QuantityPerLevel = dec("0") }),
		"dca with quantity":   modify(func(r *GridRequest) { r.Sizing = SizingDCA; r.TotalNotional = dec("1000") }),
		"dca rounds to zero":  modify(func(r *GridRequest) { r.Sizing = SizingDCA; r.QuantityPerLevel = dec("0"); r.TotalNotional = dec("1"); r.QuantityStep = dec("0.01") }),
		"total on fixed grid": modify(func(r *GridRequest) { r.TotalNotional = dec("1000") }),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if err := req.Validate(); !errors.Is(err, order.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGridLevelQuantities(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		req := grid("90", "110", 5)
		for i, q := range req.LevelQuantities(req.LevelPrices(), dec("100")) {
			if !q.Equal(dec("0.01")) {
				t.Fatalf("level %d: expected 0.01, got %s", i, q)
			}
		}
	})
	t.Run("martingale grows away from price", func(t *testing.T) {
		req := grid("90", "110", 5)
		req.Sizing = SizingMartingale
		req.Multiplier = dec("2")
		req.QuantityStep = dec("0.001")
		if err := req.Validate(); err != nil {
			t.Fatalf("Validate returned error: %v", err)
		}

		got := req.LevelQuantities(req.LevelPrices(), dec("100"))
		want := []string{"0.02", "0.01", "0.01", "0.01", "0.02"}
		for i, w := range want {
			if !got[i].Equal(dec(w)) {
				t.Fatalf("level %d: expected %s, got %s", i, w, got[i])
			}
		}

		got = req.LevelQuantities(req.LevelPrices(), dec("112"))
		want = []string{"0.16", "0.08", "0.04", "0.02", "0.01"}
		for i, w := range want {
			if !got[i].Equal(dec(w)) {
				t.Fatalf("price above range, level %d: expected %s, got %s", i, w, got[i])
			}
		}
	})
	t.Run("dca splits total notional", func(t *testing.T) {
		req := grid("100", "250", 4)
		req.Sizing = SizingDCA
		req.QuantityPerLevel = dec("0")
		req.TotalNotional = dec("1000")
		req.QuantityStep = dec("0.001")
		if err := req.Validate(); err != nil {
			t.Fatalf("Validate returned error: %v", err)
		}

		got := req.LevelQuantities(req.LevelPrices(), dec("180"))
		want := []string{"2.5", "1.666", "1.25", "1"}
		for i, w := range want {
			if !got[i].Equal(dec(w)) {
				t.Fatalf("level %d: expected %s, got %s", i, w, got[i])
			}
		}
	})
}

func TestGrid_MartingaleRefillKeepsFilledQuantity(t *testing.T) {
	gw := newFakeGateway("100")
	coord, _ := newTestCoordinator(gw, nil)

	req := grid("90", "110", 5)
	req.Sizing = SizingMartingale
	req.Multiplier = dec("2")
	req.QuantityStep = dec("0.001")

	h, err := coord.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitFor(t, func() bool { return len(gw.submissions()) == 4 })

	initial := map[string]string{"90": "0.02", "95": "0.01", "105": "0.01", "110": "0.02"}
	for _, s := range gw.submissions() {
		want, ok := initial[s.Price.String()]
		if !ok || !s.Quantity.Equal(dec(want)) {
			t.Fatalf("unexpected initial order %s @ %s", s.Quantity, s.Price)
		}
	}

	gw.fill(gw.find(order.SideBuy, "95"))
	waitFor(t, func() bool { return gw.find(order.SideSell, "100") != "" })
	gw.fill(gw.find(order.SideBuy, "90"))
	waitFor(t, func() bool { return gw.find(order.SideSell, "95") != "" })

	// 95 价位的补单沿用 90 价位成交的 0.02，而非该价位的基础数量
	subs := gw.submissions()
	last := subs[len(subs)-1]
	if last.Side != order.SideSell || !last.Price.Equal(dec("95")) || !last.Quantity.Equal(dec("0.02")) {
		t.Fatalf("unexpected refill %+v", last)
	}

	h.Cancel()
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestGrid_FilledBuyRefillsSellAbove(t *testing.T) {
	gw := newFakeGateway("100")
	coord, _ := newTestCoordinator(gw, nil)

	h, err := coord.Submit(context.Background(), grid("90", "110", 5))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitFor(t, func() bool { return len(gw.submissions()) == 4 })

	for _, s := range gw.submissions() {
		if s.Price.Equal(dec("100")) {
			t.Fatalf("no order may rest at the current price: %+v", s)
		}
		below := s.Price.LessThan(dec("100"))
		if below != (s.Side == order.SideBuy) {
			t.Fatalf("buys must sit below and sells above the price: %+v", s)
		}
	}

	gw.fill(gw.find(order.SideBuy, "95"))
	waitFor(t, func() bool { return gw.find(order.SideSell, "100") != "" })

	if err := coord.Cancel(h.ID()); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	outcome, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if outcome.Instance.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", outcome.Instance.Status)
	}
	if len(outcome.Cancels) != 4 {
		t.Fatalf("expected 4 resting orders canceled, got %d", len(outcome.Cancels))
	}
	for _, res := range outcome.Cancels {
		if res.Err != nil || res.Status != order.StatusCanceled {
			t.Fatalf("cancel of %s failed: %+v", res.OrderID, res)
		}
	}
}

func TestGrid_OccupiedLevelIsNotDuplicated(t *testing.T) {
	gw := newFakeGateway("97")
	coord, tr := newTestCoordinator(gw, nil)

	h, err := coord.Submit(context.Background(), grid("90", "110", 5))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	waitFor(t, func() bool { return len(gw.submissions()) == 5 })

	id := gw.find(order.SideBuy, "95")
	gw.fill(id)
	waitFor(t, func() bool {
		rec, err := tr.Get(id)
		return err == nil && rec.Status == order.StatusFilled
	})
	time.Sleep(20 * time.Millisecond)

	sells := 0
	for _, s := range gw.submissions() {
		if s.Side == order.SideSell && s.Price.Equal(dec("100")) {
			sells++
		}
	}
	if sells != 1 {
		t.Fatalf("level 100 must hold a single sell, got %d", sells)
	}

	h.Cancel()
	outcome, _ := h.Wait(context.Background())
	if len(outcome.Cancels) != 4 {
		t.Fatalf("expected per-order results for 4 resting orders, got %d", len(outcome.Cancels))
	}
}

func TestGrid_InitialPlacementFailure(t *testing.T) {
	gw := newFakeGateway("100")
	gw.submitHook = func(req order.Request) error {
		if req.Price.Equal(dec("110")) {
			return exchange.NewRejectedError(-2019, "Margin is insufficient.")
		}
		return nil
	}
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), grid("90", "110", 5))
	if !errors.Is(err, exchange.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if outcome.Instance.Status != StatusFailed || outcome.Instance.Reason != ReasonOrderRejected {
		t.Fatalf("unexpected instance %+v", outcome.Instance)
	}
	if len(outcome.Cancels) != 3 {
		t.Fatalf("placed orders must be canceled, got %d results", len(outcome.Cancels))
	}
}

func TestGrid_EndsWhenNothingRests(t *testing.T) {
	gw := newFakeGateway("100")
	gw.statusHook = func(o *fakeOrder) {
		if !o.status.IsTerminal() {
			o.status = order.StatusCanceled
		}
	}
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), grid("90", "110", 5))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if outcome.Instance.Status != StatusCompleted || len(outcome.Instance.Notes) != 1 {
		t.Fatalf("unexpected instance %+v", outcome.Instance)
	}
	if len(gw.submissions()) != 4 {
		t.Fatalf("externally canceled levels must not be refilled")
	}
}

func TestGrid_PriceFeedUnavailable(t *testing.T) {
	gw := newFakeGateway()
	gw.priceErr = retryExhausted()
	coord, _ := newTestCoordinator(gw, nil)

	outcome, err := coord.Execute(context.Background(), grid("90", "110", 5))
	var serr *StrategyError
	if !errors.As(err, &serr) || serr.Reason != ReasonPriceFeedUnavailable {
		t.Fatalf("expected PriceFeedUnavailable, got %v", err)
	}
	if len(outcome.Orders) != 0 {
		t.Fatalf("no order may be placed without a price")
	}
}
