package dataapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
)

func testClient(url string) *Client {
	return NewClient(config.DataAPIConfig{
		URL:           url,
		RatePerMinute: 6000, // effectively unlimited for tests
		Timeout:       5 * time.Second,
		MaxRetries:    3,
	})
}

func TestGetTradesPagination(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		offset := r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		if offset == "0" {
			fmt.Fprint(w, `[
				{"proxyWallet":"0xAAAA","conditionId":"m1","asset":"a1","side":"BUY","size":"100","price":"0.40","timestamp":1700000000,"transactionHash":"tx1"},
				{"proxyWallet":"0xAAAA","conditionId":"m1","asset":"a1","side":"SELL","size":"50","price":"0.50","timestamp":1700000100,"transactionHash":"tx2"}
			]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	page, err := c.GetTrades(context.Background(), TradeFilter{User: "0xaaaa", Limit: 2})
	if err != nil {
		t.Fatalf("GetTrades: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(page.Records))
	}

	rec := page.Records[0]
	if rec.User != "0xaaaa" {
		t.Errorf("User = %q, want lowercased address", rec.User)
	}
	if rec.Side != "buy" {
		t.Errorf("Side = %q, want buy", rec.Side)
	}
	// size_usd = size * price
	if !rec.SizeUSD.Equal(decimal.NewFromInt(40)) {
		t.Errorf("SizeUSD = %s, want 40", rec.SizeUSD)
	}

	more, err := page.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if more {
		t.Error("expected pagination to end on short page")
	}
}

func TestGetTradesLimitCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "1000" {
			t.Errorf("limit = %s, want capped 1000", got)
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).GetTrades(context.Background(), TradeFilter{Limit: 5000}); err != nil {
		t.Fatalf("GetTrades: %v", err)
	}
}

func TestRetryAfterOn429(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).GetTrades(context.Background(), TradeFilter{}); err != nil {
		t.Fatalf("expected recovery after 429, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestTransientExhaustsRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(config.DataAPIConfig{
		URL: srv.URL, RatePerMinute: 6000, Timeout: time.Second, MaxRetries: 1,
	})

	_, err := c.GetTrades(context.Background(), TradeFilter{})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("error = %v, want ErrTransient", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want initial + 1 retry", calls)
	}
}

func TestAuthErrorIsTerminal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetTrades(context.Background(), TradeFilter{})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, auth failures must not retry", calls)
	}
}

func TestBadRequestIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetTrades(context.Background(), TradeFilter{})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("error = %v, want ErrProtocol", err)
	}
}

func TestGetMarketsActiveOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("closed"); got != "false" {
			t.Errorf("closed = %q, want false", got)
		}
		fmt.Fprint(w, `[{"conditionId":"m1","question":"?","clobTokenIds":["t1","t2"],"closed":false,"openInterest":"12345.67","endDate":"2026-09-01T00:00:00Z"}]`)
	}))
	defer srv.Close()

	markets, err := testClient(srv.URL).GetMarkets(context.Background(), true)
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(markets) != 1 || len(markets[0].TokenIDs) != 2 {
		t.Fatalf("markets = %+v", markets)
	}
	if !markets[0].OpenInterest.Equal(decimal.NewFromFloat(12345.67)) {
		t.Errorf("OpenInterest = %s", markets[0].OpenInterest)
	}
}

func TestTokenBucketBlocksWhenEmpty(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(60) // 1 token/sec
	ctx := context.Background()

	// Drain the burst.
	for i := 0; i < 60; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("Wait returned after %v, expected ~1s refill delay", elapsed)
	}
}

func TestTokenBucketRespectsContext(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1)
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}
