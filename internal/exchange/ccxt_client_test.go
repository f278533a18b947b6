package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"

	"algo-engine/internal/order"
)

type fakeCCXT struct {
	createErrs []error
	creates    int
	lastType   string
	lastSide   string
	lastAmount float64
	order      ccxt.Order
	ticker     ccxt.Ticker
	cancelErr  error
}

func (f *fakeCCXT) CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error) {
	f.creates++
	f.lastType, f.lastSide, f.lastAmount = typeVar, side, amount
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return ccxt.Order{}, err
	}
	return f.order, nil
}

func (f *fakeCCXT) CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error) {
	return ccxt.Order{}, f.cancelErr
}

func (f *fakeCCXT) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	return f.order, nil
}

func (f *fakeCCXT) FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error) {
	return f.ticker, nil
}

func strPtr(s string) *string { return &s }
func floatPtr(v float64) *float64 { return &v }
func int64Ptr(v int64) *int64 { return &v }

func newTestCCXT(api ccxtAPI) *CCXTClient {
	c := newCCXTClient(api, RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}, nil)
	c.retry.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestCCXTClient_SubmitRetriesTransportErrors(t *testing.T) {
	api := &fakeCCXT{
		createErrs: []error{&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "reset"}},
		order: ccxt.Order{
			Id:     strPtr("42"),
			Status: strPtr("open"),
			Filled: floatPtr(0),
		},
	}
	client := newTestCCXT(api)

	req := order.Request{
		Symbol:      "BTCUSDT",
		Side:        order.SideBuy,
		Type:        order.TypeLimit,
		Quantity:    decimal.RequireFromString("0.01"),
		Price:       decimal.NewFromInt(50000),
		TimeInForce: order.GTC,
	}
	rec, err := client.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if api.creates != 2 {
		t.Fatalf("expected 2 create calls, got %d", api.creates)
	}
	if api.lastType != "limit" || api.lastSide != "buy" || api.lastAmount != 0.01 {
		t.Fatalf("unexpected call args type=%s side=%s amount=%v", api.lastType, api.lastSide, api.lastAmount)
	}
	if rec.OrderID != "42" || rec.Status != order.StatusNew {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.Request.Price.Equal(req.Price) {
		t.Fatalf("expected request to be attached, got %+v", rec.Request)
	}
}

func TestCCXTClient_RejectsNotional(t *testing.T) {
	api := &fakeCCXT{}
	client := newTestCCXT(api)

	_, err := client.SubmitOrder(context.Background(), order.Request{
		Symbol:   "BTCUSDT",
		Side:     order.SideBuy,
		Type:     order.TypeMarket,
		Notional: decimal.NewFromInt(100),
	})
	if !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if api.creates != 0 {
		t.Fatalf("expected no network calls, got %d", api.creates)
	}
}

func TestCCXTClient_RejectsLeverage(t *testing.T) {
	api := &fakeCCXT{order: ccxt.Order{Id: strPtr("1"), Status: strPtr("open")}}
	client := newTestCCXT(api)

	req := order.Request{
		Symbol:      "BTCUSDT",
		Side:        order.SideBuy,
		Type:        order.TypeLimit,
		Quantity:    decimal.RequireFromString("0.01"),
		Price:       decimal.NewFromInt(50000),
		TimeInForce: order.GTC,
		Leverage:    10,
	}
	var verr *order.ValidationError
	if _, err := client.SubmitOrder(context.Background(), req); !errors.As(err, &verr) || verr.Field != "leverage" {
		t.Fatalf("expected leverage validation error, got %v", err)
	}

	req.Leverage = 0
	client.defaultLeverage = 3
	if _, err := client.SubmitOrder(context.Background(), req); !errors.Is(err, order.ErrValidation) {
		t.Fatalf("expected configured leverage to be rejected, got %v", err)
	}
	if api.creates != 0 {
		t.Fatalf("expected no network calls, got %d", api.creates)
	}

	req.Leverage = 1
	client.defaultLeverage = 1
	if _, err := client.SubmitOrder(context.Background(), req); err != nil {
		t.Fatalf("1x leverage must be accepted, got %v", err)
	}
}

func TestCCXTClient_CancelRejectionNotRetried(t *testing.T) {
	api := &fakeCCXT{cancelErr: &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "Unknown order sent."}}
	client := newTestCCXT(api)

	err := client.CancelOrder(context.Background(), "BTCUSDT", "7")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestCCXTClient_GetCurrentPrice(t *testing.T) {
	client := newTestCCXT(&fakeCCXT{ticker: ccxt.Ticker{Last: floatPtr(50123.5)}})
	price, err := client.GetCurrentPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetCurrentPrice returned error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("50123.5")) {
		t.Fatalf("unexpected price %s", price)
	}

	client = newTestCCXT(&fakeCCXT{})
	if _, err := client.GetCurrentPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected error for missing last price")
	}
}

func TestClassifyCCXTError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		target error
		sizing bool
	}{
		{"rate limit", &ccxt.Error{Type: ccxt.RateLimitExceededErrType}, ErrRateLimited, false},
		{"timeout", &ccxt.Error{Type: ccxt.RequestTimeoutErrType}, ErrTransport, false},
		{"maintenance", &ccxt.Error{Type: ccxt.OnMaintenanceErrType}, ErrMaintenance, false},
		{"invalid order precision", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "binanceusdm amount of BTC/USDT:USDT must be greater than minimum amount precision of 0.001"}, ErrRejected, true},
		{"invalid order min notional", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: `{"code":-4164,"msg":"Order's notional must be no smaller than 100"}`}, ErrRejected, true},
		{"invalid order lot size", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "Filter failure: LOT_SIZE"}, ErrRejected, true},
		{"invalid order stop price", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "Order would immediately trigger."}, ErrRejected, false},
		{"invalid order time in force", &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "Time in Force (TIF) GTE can only be used with open positions"}, ErrRejected, false},
		{"insufficient funds", &ccxt.Error{Type: ccxt.InsufficientFundsErrType}, ErrRejected, false},
		{"canceled", context.Canceled, context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyCCXTError(tc.err)
			if !errors.Is(got, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, got)
			}
			if IsSizingRejection(got) != tc.sizing {
				t.Fatalf("sizing mismatch for %v", got)
			}
		})
	}
	if classifyCCXTError(nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}

func TestConvertOrder(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec, err := convertOrder(ccxt.Order{
		Id:        strPtr("9"),
		Status:    strPtr("open"),
		Filled:    floatPtr(0.004),
		Average:   floatPtr(50010),
		Amount:    floatPtr(0.01),
		Price:     floatPtr(50000),
		Side:      strPtr("sell"),
		Symbol:    strPtr("BTC/USDT:USDT"),
		Timestamp: int64Ptr(ts.UnixMilli()),
	})
	if err != nil {
		t.Fatalf("convertOrder returned error: %v", err)
	}
	if rec.Status != order.StatusPartiallyFilled {
		t.Fatalf("expected PARTIALLY_FILLED, got %s", rec.Status)
	}
	if rec.Request.Side != order.SideSell || !rec.CreatedAt.Equal(ts) {
		t.Fatalf("unexpected record %+v", rec)
	}
	if !rec.Remaining().Equal(decimal.RequireFromString("0.006")) {
		t.Fatalf("unexpected remaining %s", rec.Remaining())
	}

	statuses := map[string]order.Status{
		"closed":   order.StatusFilled,
		"canceled": order.StatusCanceled,
		"expired":  order.StatusExpired,
		"rejected": order.StatusRejected,
	}
	for raw, want := range statuses {
		rec, err := convertOrder(ccxt.Order{Id: strPtr("1"), Status: strPtr(raw)})
		if err != nil || rec.Status != want {
			t.Fatalf("%s: expected %s, got %s (%v)", raw, want, rec.Status, err)
		}
	}

	if _, err := convertOrder(ccxt.Order{Id: strPtr("1"), Status: strPtr("weird")}); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, err := convertOrder(ccxt.Order{}); err == nil {
		t.Fatal("expected error for missing id")
	}
}
