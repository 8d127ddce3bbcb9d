package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

const maxBufferedDeltas = 2048

// bookState maintains one instrument's order book from snapshots and deltas.
// While not live the book is known to be incomplete and is never served.
type bookState struct {
	mu   sync.Mutex
	inst domain.InstrumentKey

	live      bool
	fresh     bool // no delta applied since the last snapshot
	fetching  bool
	bids      map[float64]float64
	asks      map[float64]float64
	lastSeq   int64
	buffer    []domain.BookUpdate
	updatedAt time.Time
	mirrored  time.Time
}

func newBookState(inst domain.InstrumentKey) *bookState {
	return &bookState{
		inst: inst,
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// apply feeds one update into the book. It returns the updates that became
// visible (a full snapshot after resync, or the delta itself) and whether a
// gap was detected, in which case the book has been discarded. Caller holds mu.
func (b *bookState) apply(u domain.BookUpdate, at time.Time) (visible []domain.BookUpdate, gap bool) {
	if u.Snapshot {
		b.reset()
		setLevels(b.bids, u.Bids)
		setLevels(b.asks, u.Asks)
		b.lastSeq = u.LastSeq
		b.live = true
		b.fresh = true
		b.fetching = false
		b.updatedAt = at

		pending := b.buffer
		b.buffer = nil
		for _, d := range pending {
			if _, g := b.applyDelta(d, at); g {
				return nil, true
			}
		}
		return []domain.BookUpdate{b.full(0)}, false
	}

	if !b.live {
		b.bufferDelta(u)
		return nil, false
	}
	ok, g := b.applyDelta(u, at)
	if g {
		return nil, true
	}
	if !ok {
		return nil, false
	}
	return []domain.BookUpdate{u}, false
}

// applyDelta applies a delta to a live book. ok is false for stale deltas
// that were skipped.
func (b *bookState) applyDelta(u domain.BookUpdate, at time.Time) (ok, gap bool) {
	if u.LastSeq != 0 || u.FirstSeq != 0 {
		if u.LastSeq <= b.lastSeq {
			return false, false
		}
		var contiguous bool
		switch {
		case b.fresh:
			contiguous = u.FirstSeq <= b.lastSeq+1
		case u.PrevSeq != 0:
			contiguous = u.PrevSeq == b.lastSeq
		default:
			contiguous = u.FirstSeq == b.lastSeq+1
		}
		if !contiguous {
			b.discard(u)
			return false, true
		}
	}
	setLevels(b.bids, u.Bids)
	setLevels(b.asks, u.Asks)
	if u.LastSeq != 0 {
		b.lastSeq = u.LastSeq
	}
	b.fresh = false
	b.updatedAt = at
	return true, false
}

// discard drops the book and keeps the offending delta for replay after
// the next snapshot.
func (b *bookState) discard(u domain.BookUpdate) {
	b.reset()
	b.bufferDelta(u)
}

// invalidate discards the book without a triggering delta, e.g. after a
// disconnect.
func (b *bookState) invalidate() {
	b.reset()
	b.buffer = nil
}

func (b *bookState) reset() {
	b.live = false
	b.fresh = false
	clear(b.bids)
	clear(b.asks)
	b.lastSeq = 0
}

func (b *bookState) bufferDelta(u domain.BookUpdate) {
	if len(b.buffer) >= maxBufferedDeltas {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, u)
}

// full returns the book as a snapshot update, limited to depth levels per
// side when depth > 0.
func (b *bookState) full(depth int) domain.BookUpdate {
	return domain.BookUpdate{
		Snapshot: true,
		FirstSeq: b.lastSeq,
		LastSeq:  b.lastSeq,
		Bids:     sortedLevels(b.bids, true, depth),
		Asks:     sortedLevels(b.asks, false, depth),
	}
}

// view returns the consistent book, or false while resyncing.
func (b *bookState) view(depth int) (domain.OrderBook, bool) {
	if !b.live {
		return domain.OrderBook{}, false
	}
	return domain.OrderBook{
		Instrument: b.inst,
		Bids:       sortedLevels(b.bids, true, depth),
		Asks:       sortedLevels(b.asks, false, depth),
		LastSeq:    b.lastSeq,
		UpdatedAt:  b.updatedAt,
	}, true
}

func setLevels(side map[float64]float64, levels []domain.PriceLevel) {
	for _, l := range levels {
		if l.Size == 0 {
			delete(side, l.Price)
			continue
		}
		side[l.Price] = l.Size
	}
}

func sortedLevels(side map[float64]float64, desc bool, depth int) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(side))
	for p, s := range side {
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
