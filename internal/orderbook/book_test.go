package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gomex.com/internal/protocol"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestBook(t *testing.T, tick string) *Book {
	t.Helper()
	return NewBook(1, d(tick)).WithClock(func() time.Time { return time.Unix(1700000000, 0) })
}

func TestInsert_RestThenCross(t *testing.T) {
	b := newTestBook(t, "0.5")

	// 先挂 SELL 10 @ 100.0
	sell, trades, err := b.InsertOrder(protocol.SideSell, d("100.0"), 10, "")
	require.NoError(t, err)
	require.Empty(t, trades)

	// BUY 5 @ 100.5 跨价，成交价取挂单方 100.0
	buy, trades, err := b.InsertOrder(protocol.SideBuy, d("100.5"), 5, "")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	require.Equal(t, "100", tr.Price.String())
	require.Equal(t, int64(5), tr.Quantity)
	require.Equal(t, sell.ID, tr.SellOrderID)
	require.Equal(t, buy.ID, tr.BuyOrderID)
	require.Equal(t, protocol.SideBuy, tr.AggressorSide)

	// 买单全部吃掉，不挂簿；卖单剩 5
	require.Equal(t, int64(0), buy.Quantity)
	require.Equal(t, int64(5), sell.Quantity)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.Equal(t, "100", ask.Price.String())
	require.Equal(t, int64(5), ask.Quantity)
	_, ok = b.BestBid()
	require.False(t, ok)
}

func TestCancel_RemovesResting(t *testing.T) {
	b := newTestBook(t, "0.5")

	o, _, err := b.InsertOrder(protocol.SideBuy, d("99.5"), 10, "")
	require.NoError(t, err)

	cancelled, err := b.CancelOrder(o.ID)
	require.NoError(t, err)
	require.Equal(t, o.ID, cancelled.ID)

	_, ok := b.BestBid()
	require.False(t, ok)

	// 重复撤同一单：已经不在了
	_, err = b.CancelOrder(o.ID)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancel_UnknownID(t *testing.T) {
	b := newTestBook(t, "0.5")
	_, err := b.CancelOrder(42)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestTickSize_Validation(t *testing.T) {
	b := newTestBook(t, "0.5")

	cases := []struct {
		price string
		ok    bool
	}{
		{"100.0", true},
		{"100.5", true},
		{"-1.5", true}, // 负价也是 tick 的整数倍，撮合层不关心语义
		{"100.3", false},
		{"100.25", false},
		{"0.1", false},
	}
	for _, c := range cases {
		_, _, err := b.InsertOrder(protocol.SideBuy, d(c.price), 1, "")
		if c.ok {
			require.NoError(t, err, "price %s", c.price)
		} else {
			require.ErrorIs(t, err, ErrTickSize, "price %s", c.price)
		}
	}
}

func TestTickSize_RejectDoesNotMutate(t *testing.T) {
	b := newTestBook(t, "0.5")

	_, _, err := b.InsertOrder(protocol.SideBuy, d("100.3"), 10, "")
	require.ErrorIs(t, err, ErrTickSize)
	_, _, err = b.InsertOrder(protocol.SideSell, d("100.0"), 0, "")
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, _, err = b.InsertOrder(protocol.SideSell, d("100.0"), -3, "")
	require.ErrorIs(t, err, ErrInvalidQuantity)

	require.Equal(t, int64(0), b.RestingQuantity())

	// 拒单不烧 id：第一张有效单仍然拿到 1 号
	o, _, err := b.InsertOrder(protocol.SideBuy, d("99.5"), 1, "")
	require.NoError(t, err)
	require.Equal(t, uint64(1), o.ID)
}

func TestMatch_PriceTimePriority(t *testing.T) {
	b := newTestBook(t, "1")

	// 同价两单，先到先成交
	first, _, err := b.InsertOrder(protocol.SideSell, d("100"), 5, "")
	require.NoError(t, err)
	second, _, err := b.InsertOrder(protocol.SideSell, d("100"), 5, "")
	require.NoError(t, err)

	_, trades, err := b.InsertOrder(protocol.SideBuy, d("100"), 7, "")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, first.ID, trades[0].SellOrderID)
	require.Equal(t, int64(5), trades[0].Quantity)
	require.Equal(t, second.ID, trades[1].SellOrderID)
	require.Equal(t, int64(2), trades[1].Quantity)

	// 第二张还剩 3 挂着
	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.Equal(t, int64(3), ask.Quantity)
}

func TestMatch_PriceImprovementAcrossLevels(t *testing.T) {
	b := newTestBook(t, "1")

	b.InsertOrder(protocol.SideSell, d("101"), 3, "")
	b.InsertOrder(protocol.SideSell, d("100"), 3, "")

	// 买 10 @ 102：先吃 100 再吃 101，每口都按挂单价成交
	buy, trades, err := b.InsertOrder(protocol.SideBuy, d("102"), 10, "")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.Equal(t, "100", trades[0].Price.String())
	require.Equal(t, "101", trades[1].Price.String())

	// 余量 4 挂到买侧，簿不交叉
	require.Equal(t, int64(4), buy.Quantity)
	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, "102", bid.Price.String())
	_, ok = b.BestAsk()
	require.False(t, ok)
}

func TestMatch_NoCrossAtRest(t *testing.T) {
	b := newTestBook(t, "1")

	b.InsertOrder(protocol.SideBuy, d("99"), 5, "")
	b.InsertOrder(protocol.SideSell, d("101"), 5, "")

	bid, _ := b.BestBid()
	ask, _ := b.BestAsk()
	require.True(t, bid.Price.LessThan(ask.Price))
}

func TestMatch_QuantityConservation(t *testing.T) {
	b := newTestBook(t, "1")

	var inserted int64
	ins := func(side protocol.Side, price string, qty int64) {
		_, _, err := b.InsertOrder(side, d(price), qty, "")
		require.NoError(t, err)
		inserted += qty
	}
	ins(protocol.SideSell, "100", 10)
	ins(protocol.SideSell, "101", 4)
	ins(protocol.SideBuy, "99", 7)
	ins(protocol.SideBuy, "101", 12)
	ins(protocol.SideSell, "99", 20)

	// 每笔成交同时扣买卖双方，守恒式里计两份。
	// 复盘：12 吃掉 10@100 + 2@101，20 吃掉 7@99
	traded := int64(2 * (10 + 2 + 7))
	require.Equal(t, inserted-traded, b.RestingQuantity())
}

func TestMatch_TradeIDsOnBothOrders(t *testing.T) {
	b := newTestBook(t, "1")

	maker, _, _ := b.InsertOrder(protocol.SideSell, d("100"), 5, "")
	taker, trades, _ := b.InsertOrder(protocol.SideBuy, d("100"), 5, "")

	require.Len(t, trades, 1)
	require.Equal(t, []uint64{trades[0].ID}, maker.TradeIDs)
	require.Equal(t, []uint64{trades[0].ID}, taker.TradeIDs)
}

func TestDepth_SortedAggregated(t *testing.T) {
	b := newTestBook(t, "0.5")

	b.InsertOrder(protocol.SideBuy, d("99.0"), 3, "")
	b.InsertOrder(protocol.SideBuy, d("99.5"), 2, "")
	b.InsertOrder(protocol.SideBuy, d("99.5"), 4, "")
	b.InsertOrder(protocol.SideSell, d("100.5"), 1, "")
	b.InsertOrder(protocol.SideSell, d("100.0"), 6, "")

	bids, asks := b.Depth(0)
	require.Len(t, bids, 2)
	require.Equal(t, "99.5", bids[0].Price.String())
	require.Equal(t, int64(6), bids[0].Quantity)
	require.Equal(t, "99", bids[1].Price.String())

	require.Len(t, asks, 2)
	require.Equal(t, "100", asks[0].Price.String())
	require.Equal(t, "100.5", asks[1].Price.String())

	bids, _ = b.Depth(1)
	require.Len(t, bids, 1)
}

func TestBest_RecomputeAfterLevelDrained(t *testing.T) {
	b := newTestBook(t, "1")

	b.InsertOrder(protocol.SideSell, d("100"), 5, "")
	b.InsertOrder(protocol.SideSell, d("102"), 5, "")

	// 吃光 100 档，best ask 退到 102
	_, trades, err := b.InsertOrder(protocol.SideBuy, d("100"), 5, "")
	require.NoError(t, err)
	require.Len(t, trades, 1)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.Equal(t, "102", ask.Price.String())
}

func TestSelfTrade_RejectPolicy(t *testing.T) {
	b := newTestBook(t, "1").WithSelfTradePolicy(SelfTradeReject)

	b.InsertOrder(protocol.SideSell, d("100"), 5, "alice")

	// alice 自己打自己：整单拒绝，簿不动
	_, _, err := b.InsertOrder(protocol.SideBuy, d("100"), 5, "alice")
	require.ErrorIs(t, err, ErrSelfTrade)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.Equal(t, int64(5), ask.Quantity)

	// 别人可以正常吃
	_, trades, err := b.InsertOrder(protocol.SideBuy, d("100"), 5, "bob")
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestSelfTrade_AllowByDefault(t *testing.T) {
	b := newTestBook(t, "1")

	b.InsertOrder(protocol.SideSell, d("100"), 5, "alice")
	_, trades, err := b.InsertOrder(protocol.SideBuy, d("100"), 5, "alice")
	require.NoError(t, err)
	require.Len(t, trades, 1)
}

func TestOrder_Lookup(t *testing.T) {
	b := newTestBook(t, "1")

	o, _, _ := b.InsertOrder(protocol.SideBuy, d("99"), 5, "")
	got, ok := b.Order(o.ID)
	require.True(t, ok)
	require.Equal(t, o, got)

	// 完全成交的单不再可查
	b.InsertOrder(protocol.SideSell, d("99"), 5, "")
	_, ok = b.Order(o.ID)
	require.False(t, ok)
}
