package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook. A zero size in a
// delta removes the level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookUpdate is either a full snapshot or an incremental delta.
//
// FirstSeq and LastSeq are the first and final exchange update ids covered by
// the message. PrevSeq, when the exchange supplies it, is the final update id
// of the previous message and is checked instead of FirstSeq continuity.
type BookUpdate struct {
	Snapshot bool         `json:"snapshot"`
	FirstSeq int64        `json:"first_seq"`
	LastSeq  int64        `json:"last_seq"`
	PrevSeq  int64        `json:"prev_seq,omitempty"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
}

func (BookUpdate) Kind() ChannelKind { return ChannelOrderBook }

// OrderBook is a consistent view of one instrument's book. Bids are sorted
// descending and asks ascending.
type OrderBook struct {
	Instrument InstrumentKey `json:"instrument"`
	Bids       []PriceLevel  `json:"bids"`
	Asks       []PriceLevel  `json:"asks"`
	LastSeq    int64         `json:"last_seq"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// BestBid returns the highest bid or zero.
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask or zero.
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid returns the mid price, or zero when either side is empty.
func (b OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}
