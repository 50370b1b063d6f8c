package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of the book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// State is the lifecycle of a Store.
type State uint8

const (
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// PriceLevel is the aggregated resting size at one price. A level with a
// zero size is absent from the book.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Level is a convenience constructor for tests and fixtures. It panics on
// malformed input, like decimal.RequireFromString.
func Level(price, size string) PriceLevel {
	return PriceLevel{
		Price: decimal.RequireFromString(price),
		Size:  decimal.RequireFromString(size),
	}
}

// Change is a single (side, price, size) tuple of an incremental update.
type Change struct {
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Event is a decoded feed message that can be applied to a Store.
type Event interface {
	Product() string
}

// Snapshot is a total replacement of both sides of the book.
type Snapshot struct {
	ProductID string
	Bids      []PriceLevel
	Asks      []PriceLevel
}

func (s Snapshot) Product() string { return s.ProductID }

// Update is an ordered diff against the current book. Every change is
// applied, in order.
type Update struct {
	ProductID string
	Time      time.Time // zero when the feed omitted it
	Changes   []Change
}

func (u Update) Product() string { return u.ProductID }

// View is a consistent read of the book taken under a single lock.
type View struct {
	ProductID   string       `json:"product_id"`
	State       string       `json:"state"`
	Version     uint64       `json:"version"`
	Crossed     bool         `json:"crossed"`
	LastApplied time.Time    `json:"last_applied"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
}
