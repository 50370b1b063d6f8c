package book

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/shopspring/decimal"
)

// side is one half of the book: price -> size, kept in a red-black tree
// whose in-order traversal is priority order (best price first).
type side struct {
	kind   Side
	levels *redblacktree.Tree
}

func newSide(kind Side) *side {
	cmp := func(a, b any) int {
		return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
	}
	if kind == Bid {
		// Highest bid first.
		cmp = func(a, b any) int {
			return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
		}
	}
	return &side{kind: kind, levels: redblacktree.NewWith(cmp)}
}

// newSideFrom builds a side from a full set of levels. Zero sizes are
// skipped; a repeated price keeps the last size seen.
func newSideFrom(kind Side, levels []PriceLevel) *side {
	s := newSide(kind)
	for _, l := range levels {
		s.set(l.Price, l.Size)
	}
	return s
}

// set upserts the size at price, or removes the price when size is zero.
// Removing an absent price is a no-op.
func (s *side) set(price, size decimal.Decimal) {
	if size.IsZero() {
		s.levels.Remove(price)
		return
	}
	s.levels.Put(price, size)
}

func (s *side) get(price decimal.Decimal) (decimal.Decimal, bool) {
	v, ok := s.levels.Get(price)
	if !ok {
		return decimal.Decimal{}, false
	}
	return v.(decimal.Decimal), true
}

func (s *side) len() int { return s.levels.Size() }

// best returns the highest bid or the lowest ask.
func (s *side) best() (PriceLevel, bool) {
	n := s.levels.Left()
	if n == nil {
		return PriceLevel{}, false
	}
	return PriceLevel{Price: n.Key.(decimal.Decimal), Size: n.Value.(decimal.Decimal)}, true
}

// top returns up to n levels in priority order.
func (s *side) top(n int) []PriceLevel {
	if n <= 0 {
		return []PriceLevel{}
	}
	if size := s.levels.Size(); n > size {
		n = size
	}
	out := make([]PriceLevel, 0, n)
	it := s.levels.Iterator()
	for len(out) < n && it.Next() {
		out = append(out, PriceLevel{
			Price: it.Key().(decimal.Decimal),
			Size:  it.Value().(decimal.Decimal),
		})
	}
	return out
}
