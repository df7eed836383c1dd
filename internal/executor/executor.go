// Package executor defines the execution contract the copy engine
// dispatches to, with a paper backend over the virtual bankroll and a
// live backend over the gasless Builder order path.
package executor

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrExecution wraps backend failures. The engine retries once on a
// transient error, then aborts the trade.
var ErrExecution = errors.New("executor: execution failed")

// Fill is the authoritative post-trade report.
type Fill struct {
	Price      decimal.Decimal
	Commission decimal.Decimal
	GasCost    decimal.Decimal
	ExternalID string
}

// OpenRequest describes one position to open.
type OpenRequest struct {
	MarketID    string
	AssetID     string
	Side        string // "buy" or "sell"
	SizeUSD     decimal.Decimal
	LimitPrice  decimal.Decimal
	WhaleSource string
}

// PositionRef identifies a position to close. ExitPrice is the
// reference price at close time (the source whale's observed exit).
type PositionRef struct {
	PositionID string
	AssetID    string
	Side       string
	SizeUSD    decimal.Decimal
	ExitPrice  decimal.Decimal
}

// Executor is the only contract the copy engine uses.
type Executor interface {
	Open(ctx context.Context, req OpenRequest) (Fill, error)
	Close(ctx context.Context, ref PositionRef) (Fill, error)
}
