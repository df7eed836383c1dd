// Package dataapi is the read-only client for the broker's public data
// API: paged trade history, positions, and market metadata. Every call
// is rate limited, retried on transient failures, and classified into
// the shared error taxonomy.
package dataapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Pechulyak/polymarket-bot/internal/config"
)

var (
	// ErrTransient marks 5xx/network failures that exhausted the retry budget.
	ErrTransient = errors.New("dataapi: transient error")
	// ErrRateLimited surfaces a 429 that survived backoff.
	ErrRateLimited = errors.New("dataapi: rate limited")
	// ErrProtocol marks an unparsable or contract-violating payload.
	ErrProtocol = errors.New("dataapi: protocol error")
	// ErrAuth marks a terminal 401/403.
	ErrAuth = errors.New("dataapi: auth error")
)

const maxPageLimit = 1000

// TradeRecord is one public trade row.
type TradeRecord struct {
	User       string
	MarketID   string
	AssetID    string
	Side       string // "buy" or "sell"
	SizeUSD    decimal.Decimal
	Price      decimal.Decimal
	TradedAt   time.Time
	ExternalID string
}

// PositionRecord is one public position row.
type PositionRecord struct {
	User     string
	MarketID string
	AssetID  string
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

// MarketSummary is market metadata used for subscription selection.
type MarketSummary struct {
	ConditionID  string
	Question     string
	TokenIDs     []string
	Closed       bool
	OpenInterest decimal.Decimal
	EndDate      time.Time
}

// TradeFilter narrows GetTrades.
type TradeFilter struct {
	User   string
	Market string
	Since  time.Time
	Limit  int // page size, capped at 1000
}

// Client wraps a resty HTTP client with rate limiting and retry.
type Client struct {
	http       *resty.Client
	rl         *TokenBucket
	maxRetries int
}

// NewClient creates the data API client.
func NewClient(cfg config.DataAPIConfig) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:       httpClient,
		rl:         NewTokenBucket(cfg.RatePerMinute),
		maxRetries: cfg.MaxRetries,
	}
}

// wire shapes

type wireTrade struct {
	ProxyWallet     string `json:"proxyWallet"`
	ConditionID     string `json:"conditionId"`
	Asset           string `json:"asset"`
	Side            string `json:"side"`
	Size            string `json:"size"`
	Price           string `json:"price"`
	Timestamp       int64  `json:"timestamp"`
	TransactionHash string `json:"transactionHash"`
}

type wirePosition struct {
	ProxyWallet string `json:"proxyWallet"`
	ConditionID string `json:"conditionId"`
	Asset       string `json:"asset"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
}

type wireMarket struct {
	ConditionID  string   `json:"conditionId"`
	Question     string   `json:"question"`
	ClobTokenIDs []string `json:"clobTokenIds"`
	Closed       bool     `json:"closed"`
	OpenInterest string   `json:"openInterest"`
	EndDate      string   `json:"endDate"`
}

// TradePage is one lazily fetched page plus the cursor for the next.
type TradePage struct {
	Records []TradeRecord

	client *Client
	filter TradeFilter
	offset int
	done   bool
}

// GetTrades fetches the first page of trades matching the filter. Use
// Next on the returned page to walk the remainder lazily.
func (c *Client) GetTrades(ctx context.Context, filter TradeFilter) (*TradePage, error) {
	if filter.Limit <= 0 || filter.Limit > maxPageLimit {
		filter.Limit = maxPageLimit
	}
	page := &TradePage{client: c, filter: filter}
	if err := page.fetch(ctx); err != nil {
		return nil, err
	}
	return page, nil
}

// Next advances to the following page. It returns false when the
// sequence is exhausted.
func (p *TradePage) Next(ctx context.Context) (bool, error) {
	if p.done {
		return false, nil
	}
	p.offset += len(p.Records)
	if err := p.fetch(ctx); err != nil {
		return false, err
	}
	return len(p.Records) > 0, nil
}

func (p *TradePage) fetch(ctx context.Context) error {
	params := map[string]string{
		"limit":  strconv.Itoa(p.filter.Limit),
		"offset": strconv.Itoa(p.offset),
	}
	if p.filter.User != "" {
		params["user"] = p.filter.User
	}
	if p.filter.Market != "" {
		params["market"] = p.filter.Market
	}

	var raw []wireTrade
	if err := p.client.getJSON(ctx, "/trades", params, &raw); err != nil {
		return err
	}

	records := make([]TradeRecord, 0, len(raw))
	for _, t := range raw {
		rec, err := t.toRecord()
		if err != nil {
			log.Debug().Err(err).Str("tx", t.TransactionHash).Msg("skipping malformed trade row")
			continue
		}
		if !p.filter.Since.IsZero() && rec.TradedAt.Before(p.filter.Since) {
			p.done = true
			break
		}
		records = append(records, rec)
	}
	p.Records = records
	if len(raw) < p.filter.Limit {
		p.done = true
	}
	return nil
}

func (t wireTrade) toRecord() (TradeRecord, error) {
	size, err := decimal.NewFromString(t.Size)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("%w: size %q", ErrProtocol, t.Size)
	}
	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return TradeRecord{}, fmt.Errorf("%w: price %q", ErrProtocol, t.Price)
	}
	side := t.Side
	if side == "BUY" {
		side = "buy"
	} else if side == "SELL" {
		side = "sell"
	}
	return TradeRecord{
		User:       lower(t.ProxyWallet),
		MarketID:   t.ConditionID,
		AssetID:    t.Asset,
		Side:       side,
		SizeUSD:    size.Mul(price),
		Price:      price,
		TradedAt:   time.Unix(t.Timestamp, 0).UTC(),
		ExternalID: t.TransactionHash,
	}, nil
}

// GetPositions returns the user's open positions.
func (c *Client) GetPositions(ctx context.Context, user string) ([]PositionRecord, error) {
	var raw []wirePosition
	if err := c.getJSON(ctx, "/positions", map[string]string{"user": user}, &raw); err != nil {
		return nil, err
	}

	out := make([]PositionRecord, 0, len(raw))
	for _, p := range raw {
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			continue
		}
		avg, err := decimal.NewFromString(p.AvgPrice)
		if err != nil {
			continue
		}
		out = append(out, PositionRecord{
			User:     lower(p.ProxyWallet),
			MarketID: p.ConditionID,
			AssetID:  p.Asset,
			Size:     size,
			AvgPrice: avg,
		})
	}
	return out, nil
}

// GetMarkets returns market metadata. With activeOnly the query filters
// on closed=false — the only acceptable source of markets to trade.
func (c *Client) GetMarkets(ctx context.Context, activeOnly bool) ([]MarketSummary, error) {
	params := map[string]string{}
	if activeOnly {
		params["closed"] = "false"
	}

	var raw []wireMarket
	if err := c.getJSON(ctx, "/markets", params, &raw); err != nil {
		return nil, err
	}

	out := make([]MarketSummary, 0, len(raw))
	for _, m := range raw {
		oi, err := decimal.NewFromString(m.OpenInterest)
		if err != nil {
			oi = decimal.Zero
		}
		endDate, _ := time.Parse(time.RFC3339, m.EndDate)
		out = append(out, MarketSummary{
			ConditionID:  m.ConditionID,
			Question:     m.Question,
			TokenIDs:     m.ClobTokenIDs,
			Closed:       m.Closed,
			OpenInterest: oi,
			EndDate:      endDate,
		})
	}
	return out, nil
}

// getJSON performs one rate-limited GET with the retry policy: the
// initial attempt plus up to maxRetries retries for 5xx, 429 and network
// errors, Retry-After honoured on 429, all other 4xx terminal.
func (c *Client) getJSON(ctx context.Context, path string, params map[string]string, out any) error {
	backoff := time.Second

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.rl.Wait(ctx); err != nil {
			return err
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(out).
			Get(path)

		switch {
		case err != nil:
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)

		case resp.StatusCode() == http.StatusOK:
			return nil

		case resp.StatusCode() == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %s", ErrRateLimited, path)
			if ra := resp.Header().Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					backoff = time.Duration(secs) * time.Second
				}
			}

		case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
			return fmt.Errorf("%w: status %d on %s", ErrAuth, resp.StatusCode(), path)

		case resp.StatusCode() >= 500:
			lastErr = fmt.Errorf("%w: status %d on %s", ErrTransient, resp.StatusCode(), path)

		default:
			return fmt.Errorf("%w: status %d on %s", ErrProtocol, resp.StatusCode(), path)
		}

		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 16*time.Second {
				backoff = 16 * time.Second
			}
		}
	}
	return lastErr
}

func lower(s string) string {
	return strings.ToLower(s)
}
