package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

func lv(pairs ...float64) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.PriceLevel{Price: pairs[i], Size: pairs[i+1]})
	}
	return out
}

func snapshotAt(seq int64) domain.BookUpdate {
	return domain.BookUpdate{
		Snapshot: true,
		LastSeq:  seq,
		Bids:     lv(100, 1, 99, 2),
		Asks:     lv(101, 1, 102, 3),
	}
}

func TestBookBuffersUntilSnapshot(t *testing.T) {
	b := newBookState(domain.NewInstrumentKey("test", "AAA"))
	now := time.Now()

	visible, gap := b.apply(domain.BookUpdate{FirstSeq: 9, LastSeq: 11, Bids: lv(100, 5)}, now)
	assert.Empty(t, visible)
	assert.False(t, gap)
	_, live := b.view(0)
	assert.False(t, live, "book must not be served before a snapshot")

	visible, gap = b.apply(snapshotAt(10), now)
	require.False(t, gap)
	require.Len(t, visible, 1)
	assert.True(t, visible[0].Snapshot)

	book, live := b.view(0)
	require.True(t, live)
	assert.Equal(t, int64(11), book.LastSeq)
	assert.Equal(t, 100.0, book.BestBid())
	assert.Equal(t, domain.PriceLevel{Price: 100, Size: 5}, book.Bids[0])
}

func TestBookGapDiscardsAndResumesAfterSnapshot(t *testing.T) {
	b := newBookState(domain.NewInstrumentKey("test", "AAA"))
	now := time.Now()
	b.apply(snapshotAt(10), now)

	visible, gap := b.apply(domain.BookUpdate{FirstSeq: 11, LastSeq: 12, Asks: lv(101, 0)}, now)
	require.False(t, gap)
	require.Len(t, visible, 1)

	visible, gap = b.apply(domain.BookUpdate{FirstSeq: 15, LastSeq: 16, Bids: lv(98, 1)}, now)
	assert.True(t, gap)
	assert.Empty(t, visible)
	_, live := b.view(0)
	assert.False(t, live, "a book with a known gap must not be served")

	// Deltas after the gap are buffered, not applied.
	visible, gap = b.apply(domain.BookUpdate{FirstSeq: 17, LastSeq: 17, Bids: lv(97, 1)}, now)
	assert.False(t, gap)
	assert.Empty(t, visible)

	visible, gap = b.apply(snapshotAt(16), now)
	require.False(t, gap)
	require.Len(t, visible, 1)
	book, live := b.view(0)
	require.True(t, live)
	assert.Equal(t, int64(17), book.LastSeq)
	assert.Len(t, book.Bids, 3)
}

func TestBookSkipsStaleDeltas(t *testing.T) {
	b := newBookState(domain.NewInstrumentKey("test", "AAA"))
	now := time.Now()
	b.apply(snapshotAt(10), now)

	visible, gap := b.apply(domain.BookUpdate{FirstSeq: 5, LastSeq: 10, Bids: lv(50, 1)}, now)
	assert.False(t, gap)
	assert.Empty(t, visible)
	book, _ := b.view(0)
	assert.Len(t, book.Bids, 2)
}

func TestBookPrevSeqChaining(t *testing.T) {
	b := newBookState(domain.NewInstrumentKey("test", "AAA"))
	now := time.Now()
	b.apply(snapshotAt(10), now)
	_, gap := b.apply(domain.BookUpdate{FirstSeq: 8, LastSeq: 20, PrevSeq: 7}, now)
	require.False(t, gap, "first delta after a snapshot only needs to straddle it")

	_, gap = b.apply(domain.BookUpdate{FirstSeq: 21, LastSeq: 25, PrevSeq: 20}, now)
	assert.False(t, gap)
	_, gap = b.apply(domain.BookUpdate{FirstSeq: 26, LastSeq: 30, PrevSeq: 24}, now)
	assert.True(t, gap)
}

func TestBookDepthLimit(t *testing.T) {
	b := newBookState(domain.NewInstrumentKey("test", "AAA"))
	b.apply(snapshotAt(1), time.Now())
	book, ok := b.view(1)
	require.True(t, ok)
	assert.Equal(t, lv(100, 1), book.Bids)
	assert.Equal(t, lv(101, 1), book.Asks)
}
