package info

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gomex.com/internal/protocol"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func inserted(id uint64, side protocol.Side, price string, qty int64) *protocol.OnOrderInserted {
	return &protocol.OnOrderInserted{OrderID: id, OrderBookID: 1, Side: side, Price: d(price), Quantity: qty}
}

func TestShadow_InsertAggregatesLevels(t *testing.T) {
	sb := newShadowBook(1, "AAPL", d("0.5"))

	require.True(t, sb.applyInserted(inserted(1, protocol.SideBuy, "99.5", 3)))
	require.True(t, sb.applyInserted(inserted(2, protocol.SideBuy, "99.5", 2)))
	require.True(t, sb.applyInserted(inserted(3, protocol.SideBuy, "99.0", 4)))

	bid, ask := sb.topOfBook()
	require.Nil(t, ask)
	require.Equal(t, "99.5", bid.Price.String())
	require.Equal(t, int64(5), bid.Quantity)

	bids, asks := sb.depth(0)
	require.Empty(t, asks)
	require.Len(t, bids, 2)
	require.Equal(t, "99.5", bids[0].Price.String())
	require.Equal(t, "99", bids[1].Price.String())
}

func TestShadow_FullyFilledTakerDoesNotRest(t *testing.T) {
	sb := newShadowBook(1, "AAPL", d("0.5"))
	require.False(t, sb.applyInserted(inserted(1, protocol.SideBuy, "100.0", 0)))
	bid, ask := sb.topOfBook()
	require.Nil(t, bid)
	require.Nil(t, ask)
}

func TestShadow_TradeDecrementsRestingSideOnly(t *testing.T) {
	sb := newShadowBook(1, "AAPL", d("0.5"))
	// 挂单方 SELL 10 @ 100；taker BUY 全吃，剩余 0 不落簿
	require.True(t, sb.applyInserted(inserted(1, protocol.SideSell, "100.0", 10)))
	require.False(t, sb.applyInserted(inserted(2, protocol.SideBuy, "100.0", 0)))

	require.True(t, sb.applyTrade(&protocol.OnTrade{
		TradeID: 1, OrderBookID: 1,
		BuyOrderID: 2, SellOrderID: 1,
		Price: d("100.0"), Quantity: 4, AggressorSide: protocol.SideBuy,
	}))

	_, ask := sb.topOfBook()
	require.Equal(t, int64(6), ask.Quantity)

	// 吃光后价位消失
	require.True(t, sb.applyTrade(&protocol.OnTrade{
		TradeID: 2, OrderBookID: 1,
		BuyOrderID: 3, SellOrderID: 1,
		Price: d("100.0"), Quantity: 6, AggressorSide: protocol.SideBuy,
	}))
	_, ask = sb.topOfBook()
	require.Nil(t, ask)
}

func TestShadow_CancelRemovesRemaining(t *testing.T) {
	sb := newShadowBook(1, "AAPL", d("0.5"))
	require.True(t, sb.applyInserted(inserted(1, protocol.SideBuy, "99.5", 3)))
	require.True(t, sb.applyCancelled(1))
	bid, _ := sb.topOfBook()
	require.Nil(t, bid)

	// 不认识的单不改簿
	require.False(t, sb.applyCancelled(42))
}

func TestShadow_TOBChangeDetection(t *testing.T) {
	sb := newShadowBook(1, "AAPL", d("0.5"))

	// 第一次必播，哪怕两侧都空
	bid, ask := sb.topOfBook()
	require.True(t, sb.tobChanged(bid, ask))
	sb.storeTOB(bid, ask)
	require.False(t, sb.tobChanged(bid, ask))

	// 新 best bid
	sb.applyInserted(inserted(1, protocol.SideBuy, "99.5", 3))
	bid, ask = sb.topOfBook()
	require.True(t, sb.tobChanged(bid, ask))
	sb.storeTOB(bid, ask)

	// 更差价位的单不改 TOB
	sb.applyInserted(inserted(2, protocol.SideBuy, "99.0", 4))
	bid, ask = sb.topOfBook()
	require.False(t, sb.tobChanged(bid, ask))

	// 同价位加量：价没变量变了，算变
	sb.applyInserted(inserted(3, protocol.SideBuy, "99.5", 1))
	bid, ask = sb.topOfBook()
	require.True(t, sb.tobChanged(bid, ask))
}
