package book

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const product = "BTC-USD"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func change(sd Side, price, size string) Change {
	return Change{Side: sd, Price: d(price), Size: d(size)}
}

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(product)
	require.NoError(t, s.ApplySnapshot(Snapshot{
		ProductID: product,
		Bids:      []PriceLevel{Level("100", "1"), Level("99", "2")},
		Asks:      []PriceLevel{Level("101", "1"), Level("102", "3")},
	}))
	return s
}

// assertLevels compares by decimal value so "5" and "5.0" are equal.
func assertLevels(t *testing.T, want, got []PriceLevel) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Truef(t, want[i].Price.Equal(got[i].Price), "level %d price: want %s, got %s", i, want[i].Price, got[i].Price)
		assert.Truef(t, want[i].Size.Equal(got[i].Size), "level %d size: want %s, got %s", i, want[i].Size, got[i].Size)
	}
}

func TestStore_SnapshotThenUpdate(t *testing.T) {
	s := seededStore(t)

	err := s.ApplyUpdate(Update{
		ProductID: product,
		Changes: []Change{
			change(Bid, "100", "0"),
			change(Ask, "101", "5"),
		},
	})
	require.NoError(t, err)

	assertLevels(t, []PriceLevel{Level("99", "2")}, s.TopBids(8))
	assertLevels(t, []PriceLevel{Level("101", "5"), Level("102", "3")}, s.TopAsks(8))
}

func TestStore_AppliesEveryChangeInOrder(t *testing.T) {
	s := seededStore(t)

	err := s.ApplyUpdate(Update{
		ProductID: product,
		Changes: []Change{
			change(Bid, "98", "4"),
			change(Bid, "98", "7"),
			change(Ask, "103", "1"),
			change(Ask, "103", "0"),
			change(Ask, "104", "2"),
		},
	})
	require.NoError(t, err)

	assertLevels(t, []PriceLevel{Level("100", "1"), Level("99", "2"), Level("98", "7")}, s.TopBids(8))
	assertLevels(t, []PriceLevel{Level("101", "1"), Level("102", "3"), Level("104", "2")}, s.TopAsks(8))
}

func TestStore_RemoveAbsentPriceIsNoop(t *testing.T) {
	s := seededStore(t)
	before := s.View(8)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.ApplyUpdate(Update{
			ProductID: product,
			Changes:   []Change{change(Bid, "42", "0"), change(Ask, "4242", "0")},
		}))
	}

	after := s.View(8)
	assertLevels(t, before.Bids, after.Bids)
	assertLevels(t, before.Asks, after.Asks)
}

func TestStore_PrematureUpdate(t *testing.T) {
	s := NewStore(product)

	err := s.ApplyUpdate(Update{
		ProductID: product,
		Changes:   []Change{change(Bid, "100", "1")},
	})
	require.ErrorIs(t, err, ErrPrematureUpdate)

	assert.Equal(t, Uninitialized, s.State())
	assert.Empty(t, s.TopBids(8))
	assert.Empty(t, s.TopAsks(8))
	assert.Zero(t, s.Version())
}

func TestStore_SecondSnapshotReplacesFirst(t *testing.T) {
	s := seededStore(t)

	require.NoError(t, s.ApplySnapshot(Snapshot{
		ProductID: product,
		Bids:      []PriceLevel{Level("50", "1")},
		Asks:      []PriceLevel{Level("51", "9")},
	}))

	assertLevels(t, []PriceLevel{Level("50", "1")}, s.TopBids(8))
	assertLevels(t, []PriceLevel{Level("51", "9")}, s.TopAsks(8))

	_, ok := s.SizeAt(Bid, d("100"))
	assert.False(t, ok, "residue from first snapshot")
}

func TestStore_SnapshotSkipsZeroSizes(t *testing.T) {
	s := NewStore(product)
	require.NoError(t, s.ApplySnapshot(Snapshot{
		ProductID: product,
		Bids:      []PriceLevel{Level("10", "0"), Level("9", "1")},
	}))

	assertLevels(t, []PriceLevel{Level("9", "1")}, s.TopBids(8))
	assert.Empty(t, s.TopAsks(8))
	assert.True(t, s.Ready())
}

func TestStore_ResetRejectsUpdatesUntilSnapshot(t *testing.T) {
	s := seededStore(t)
	s.Reset()

	assert.Equal(t, Uninitialized, s.State())
	assert.Empty(t, s.TopBids(8))

	err := s.ApplyUpdate(Update{ProductID: product, Changes: []Change{change(Ask, "101", "1")}})
	require.ErrorIs(t, err, ErrPrematureUpdate)
	assert.Empty(t, s.TopAsks(8))

	require.NoError(t, s.ApplySnapshot(Snapshot{ProductID: product, Asks: []PriceLevel{Level("200", "1")}}))
	require.NoError(t, s.ApplyUpdate(Update{ProductID: product, Changes: []Change{change(Ask, "201", "2")}}))
	assertLevels(t, []PriceLevel{Level("200", "1"), Level("201", "2")}, s.TopAsks(8))
}

func TestStore_ExactDecimalKeys(t *testing.T) {
	s := NewStore(product)
	require.NoError(t, s.ApplySnapshot(Snapshot{
		ProductID: product,
		Bids:      []PriceLevel{Level("0.1", "1"), Level("0.30000000000000001", "1")},
	}))

	// Same value in a different textual form hits the same key.
	require.NoError(t, s.ApplyUpdate(Update{ProductID: product, Changes: []Change{change(Bid, "0.10", "3")}}))

	bids := s.TopBids(8)
	assertLevels(t, []PriceLevel{Level("0.30000000000000001", "1"), Level("0.1", "3")}, bids)
}

func TestStore_TopNBounds(t *testing.T) {
	s := seededStore(t)

	assert.Empty(t, s.TopBids(0))
	assert.Empty(t, s.TopAsks(-1))
	assert.Len(t, s.TopBids(1), 1)
	assert.Len(t, s.TopAsks(100), 2)
}

func TestStore_CrossedBookIsCommitted(t *testing.T) {
	s := seededStore(t)
	assert.False(t, s.Crossed())

	require.NoError(t, s.ApplyUpdate(Update{ProductID: product, Changes: []Change{change(Bid, "101.5", "1")}}))

	assert.True(t, s.Crossed())
	best, ok := s.BestBid()
	require.True(t, ok)
	assert.True(t, best.Price.Equal(d("101.5")))

	spread, ok := s.Spread()
	require.True(t, ok)
	assert.True(t, spread.IsNegative())

	require.NoError(t, s.ApplyUpdate(Update{ProductID: product, Changes: []Change{change(Bid, "101.5", "0")}}))
	assert.False(t, s.Crossed())
}

func TestStore_ProductMismatch(t *testing.T) {
	s := seededStore(t)

	err := s.ApplyUpdate(Update{ProductID: "ETH-USD", Changes: []Change{change(Bid, "1", "1")}})
	require.ErrorIs(t, err, ErrProductMismatch)

	err = s.ApplySnapshot(Snapshot{ProductID: "ETH-USD"})
	require.ErrorIs(t, err, ErrProductMismatch)

	assert.Len(t, s.TopBids(8), 2)
}

func TestStore_BindsToFirstSnapshotProduct(t *testing.T) {
	s := NewStore("")
	require.NoError(t, s.ApplySnapshot(Snapshot{ProductID: "ETH-USD"}))
	assert.Equal(t, "ETH-USD", s.ProductID())

	err := s.ApplyUpdate(Update{ProductID: product})
	require.ErrorIs(t, err, ErrProductMismatch)
}

func TestStore_InvalidLevelRejectedWithoutMutation(t *testing.T) {
	s := seededStore(t)
	version := s.Version()

	err := s.ApplyUpdate(Update{
		ProductID: product,
		Changes:   []Change{change(Bid, "100", "0"), change(Ask, "101", "-1")},
	})
	require.ErrorIs(t, err, ErrInvalidLevel)

	assert.Equal(t, version, s.Version())
	assertLevels(t, []PriceLevel{Level("100", "1"), Level("99", "2")}, s.TopBids(8))
}

func TestStore_LastAppliedUsesClock(t *testing.T) {
	s := NewStore(product)
	at := time.UnixMilli(1700000000000)
	s.nowFunc = func() time.Time { return at }

	require.NoError(t, s.ApplySnapshot(Snapshot{ProductID: product}))
	assert.True(t, s.LastApplied().Equal(at))
}

func TestStore_RandomUpdatesKeepOrder(t *testing.T) {
	s := NewStore(product)
	require.NoError(t, s.ApplySnapshot(Snapshot{ProductID: product}))

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		sd := Bid
		if rng.Intn(2) == 1 {
			sd = Ask
		}
		price := decimal.New(int64(rng.Intn(500)), -2)
		size := decimal.New(int64(rng.Intn(4)), 0)
		require.NoError(t, s.ApplyUpdate(Update{ProductID: product, Changes: []Change{{Side: sd, Price: price, Size: size}}}))
	}

	bids := s.TopBids(50)
	for i := 1; i < len(bids); i++ {
		assert.True(t, bids[i-1].Price.GreaterThan(bids[i].Price), "bids not strictly descending at %d", i)
	}
	asks := s.TopAsks(50)
	for i := 1; i < len(asks); i++ {
		assert.True(t, asks[i-1].Price.LessThan(asks[i].Price), "asks not strictly ascending at %d", i)
	}
	for _, l := range append(bids, asks...) {
		assert.True(t, l.Size.IsPositive())
	}
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewStore(product)

	// Each snapshot has every size equal to its generation, so a reader
	// that ever sees mixed sizes observed a torn state.
	snapshot := func(gen int) Snapshot {
		size := fmt.Sprint(gen)
		snap := Snapshot{ProductID: product}
		for p := 1; p <= 20; p++ {
			snap.Bids = append(snap.Bids, Level(fmt.Sprint(p), size))
			snap.Asks = append(snap.Asks, Level(fmt.Sprint(100+p), size))
		}
		return snap
	}
	require.NoError(t, s.ApplySnapshot(snapshot(1)))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	torn := make(chan string, 1)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v := s.View(20)
				for _, l := range append(v.Bids, v.Asks...) {
					if !l.Size.Equal(v.Bids[0].Size) {
						select {
						case torn <- fmt.Sprintf("mixed sizes in version %d", v.Version):
						default:
						}
						return
					}
				}
			}
		}()
	}

	for gen := 2; gen < 200; gen++ {
		require.NoError(t, s.ApplySnapshot(snapshot(gen)))
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-torn:
		t.Fatal(msg)
	default:
	}
}
