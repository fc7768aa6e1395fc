package orderbook

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gomex.com/internal/protocol"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	ErrTickSize        = errors.New("price does not conform to tick size")
	ErrInvalidSide     = errors.New("invalid side")
	ErrOrderNotFound   = errors.New("order not found")
	ErrSelfTrade       = errors.New("order would self-trade")
)

// SelfTradePolicy 自成交防护策略
type SelfTradePolicy uint8

const (
	SelfTradeAllow  SelfTradePolicy = iota // 原始行为：不做防护
	SelfTradeReject                        // 同一用户对手盘可成交时整单拒绝，不动簿
)

// Clock 测试钩子
type Clock func() time.Time

// Book 单一标的的订单簿。
// 价位桶按 tick 数（price/tickSize，精确整除）做 key，
// 桶内双向链表 FIFO，byID 撤单 O(1)，best 缓存 + 删桶时重算。
type Book struct {
	ID       uint64
	TickSize decimal.Decimal

	bids map[int64]*level
	asks map[int64]*level
	byID map[uint64]*Order

	bestBid int64
	bestAsk int64
	hasBid  bool
	hasAsk  bool

	nextOrderID uint64
	nextTradeID uint64

	stp SelfTradePolicy
	now Clock
}

func NewBook(id uint64, tickSize decimal.Decimal) *Book {
	return &Book{
		ID:       id,
		TickSize: tickSize,
		bids:     make(map[int64]*level, 1024),
		asks:     make(map[int64]*level, 1024),
		byID:     make(map[uint64]*Order, 1024),
		now:      time.Now,
	}
}

// WithSelfTradePolicy 配置自成交防护（默认不防护）
func (b *Book) WithSelfTradePolicy(p SelfTradePolicy) *Book {
	b.stp = p
	return b
}

// WithClock 注入时钟（测试用）
func (b *Book) WithClock(c Clock) *Book {
	b.now = c
	return b
}

// ticksOf 精确校验价格是不是 tick 的整数倍。
// decimal 除法无余数才放行，不走浮点。
func (b *Book) ticksOf(price decimal.Decimal) (int64, bool) {
	q := price.Div(b.TickSize)
	if !q.IsInteger() {
		return 0, false
	}
	return q.IntPart(), true
}

// InsertOrder 校验 → 撮合 → 余量挂簿。返回生成的全部成交（可能为空）。
// 校验失败时簿完全不动。
func (b *Book) InsertOrder(side protocol.Side, price decimal.Decimal, qty int64, onBehalfOf string) (*Order, []*Trade, error) {
	if qty <= 0 {
		return nil, nil, ErrInvalidQuantity
	}
	if !side.Valid() {
		return nil, nil, ErrInvalidSide
	}
	ticks, ok := b.ticksOf(price)
	if !ok {
		return nil, nil, ErrTickSize
	}

	o := &Order{
		OrderBookID: b.ID,
		Side:        side,
		Price:       price,
		Quantity:    qty,
		OnBehalfOf:  onBehalfOf,
		ticks:       ticks,
	}

	if b.stp == SelfTradeReject && o.OnBehalfOf != "" && b.wouldSelfTrade(o) {
		return nil, nil, ErrSelfTrade
	}

	// 撮合开始后才占用 id / 时间戳，保证拒单不烧号
	b.nextOrderID++
	o.ID = b.nextOrderID
	o.Timestamp = b.now().UnixMicro()

	var trades []*Trade
	if side == protocol.SideBuy {
		trades = b.matchBuy(o)
	} else {
		trades = b.matchSell(o)
	}

	// 没吃完的余量按 FIFO 挂到自己一侧
	if o.Quantity > 0 {
		b.rest(o)
	}
	return o, trades, nil
}

// matchBuy：吃 bestAsk，买价 >= 卖价时可成交
func (b *Book) matchBuy(taker *Order) []*Trade {
	trades := make([]*Trade, 0, 4)
	for taker.Quantity > 0 && b.hasAsk && b.bestAsk <= taker.ticks {
		lv := b.asks[b.bestAsk]
		for taker.Quantity > 0 && !lv.empty() {
			maker := lv.head
			trades = append(trades, b.execute(taker, maker, lv))
		}
		if lv.empty() {
			delete(b.asks, lv.ticks)
			b.recomputeBestAsk()
		}
	}
	return trades
}

// matchSell：吃 bestBid，卖价 <= 买价时可成交
func (b *Book) matchSell(taker *Order) []*Trade {
	trades := make([]*Trade, 0, 4)
	for taker.Quantity > 0 && b.hasBid && b.bestBid >= taker.ticks {
		lv := b.bids[b.bestBid]
		for taker.Quantity > 0 && !lv.empty() {
			maker := lv.head
			trades = append(trades, b.execute(taker, maker, lv))
		}
		if lv.empty() {
			delete(b.bids, lv.ticks)
			b.recomputeBestBid()
		}
	}
	return trades
}

// execute 吃掉 maker 队头的一口。
// 成交价永远是挂单方价格：aggressor 只会拿到更好的价，绝不更差。
func (b *Book) execute(taker, maker *Order, lv *level) *Trade {
	exec := taker.Quantity
	if maker.Quantity < exec {
		exec = maker.Quantity
	}

	b.nextTradeID++
	t := &Trade{
		ID:            b.nextTradeID,
		OrderBookID:   b.ID,
		Timestamp:     b.now().UnixMicro(),
		Price:         maker.Price,
		Quantity:      exec,
		AggressorSide: taker.Side,
	}
	if taker.Side == protocol.SideBuy {
		t.BuyOrderID, t.SellOrderID = taker.ID, maker.ID
	} else {
		t.BuyOrderID, t.SellOrderID = maker.ID, taker.ID
	}

	taker.Quantity -= exec
	maker.Quantity -= exec
	lv.totalQty -= exec
	taker.TradeIDs = append(taker.TradeIDs, t.ID)
	maker.TradeIDs = append(maker.TradeIDs, t.ID)

	if maker.Quantity == 0 {
		lv.remove(maker)
		delete(b.byID, maker.ID)
	}
	return t
}

// rest 余量挂簿
func (b *Book) rest(o *Order) {
	book := b.bids
	if o.Side == protocol.SideSell {
		book = b.asks
	}
	lv := book[o.ticks]
	if lv == nil {
		lv = &level{ticks: o.ticks, price: o.Price}
		book[o.ticks] = lv
	}
	lv.pushBack(o)
	b.byID[o.ID] = o

	if o.Side == protocol.SideBuy {
		if !b.hasBid || o.ticks > b.bestBid {
			b.bestBid = o.ticks
			b.hasBid = true
		}
	} else {
		if !b.hasAsk || o.ticks < b.bestAsk {
			b.bestAsk = o.ticks
			b.hasAsk = true
		}
	}
}

// wouldSelfTrade 预扫可成交价位里有没有同一用户的挂单。
// 只读不写，拒单时簿保持原样。
func (b *Book) wouldSelfTrade(o *Order) bool {
	book, marketable := b.asks, func(t int64) bool { return t <= o.ticks }
	if o.Side == protocol.SideSell {
		book, marketable = b.bids, func(t int64) bool { return t >= o.ticks }
	}
	for t, lv := range book {
		if !marketable(t) {
			continue
		}
		for m := lv.head; m != nil; m = m.next {
			if m.OnBehalfOf == o.OnBehalfOf {
				return true
			}
		}
	}
	return false
}

// CancelOrder 整单撤销（没有部分撤）
func (b *Book) CancelOrder(orderID uint64) (*Order, error) {
	o := b.byID[orderID]
	if o == nil {
		return nil, ErrOrderNotFound
	}
	lv := o.level
	lv.remove(o)
	delete(b.byID, orderID)

	if lv.empty() {
		if o.Side == protocol.SideSell {
			delete(b.asks, lv.ticks)
			if b.hasAsk && lv.ticks == b.bestAsk {
				b.recomputeBestAsk()
			}
		} else {
			delete(b.bids, lv.ticks)
			if b.hasBid && lv.ticks == b.bestBid {
				b.recomputeBestBid()
			}
		}
	}
	return o, nil
}

// BestBid 最优买价及该价位聚合量
func (b *Book) BestBid() (protocol.PriceLevel, bool) {
	if !b.hasBid {
		return protocol.PriceLevel{}, false
	}
	lv := b.bids[b.bestBid]
	return protocol.PriceLevel{Price: lv.price, Quantity: lv.totalQty}, true
}

// BestAsk 最优卖价及该价位聚合量
func (b *Book) BestAsk() (protocol.PriceLevel, bool) {
	if !b.hasAsk {
		return protocol.PriceLevel{}, false
	}
	lv := b.asks[b.bestAsk]
	return protocol.PriceLevel{Price: lv.price, Quantity: lv.totalQty}, true
}

// Depth 两侧按价位聚合的深度，最优价在前。maxLevels <= 0 取全部。
func (b *Book) Depth(maxLevels int) (bids, asks []protocol.PriceLevel) {
	bids = depthOf(b.bids, maxLevels, func(a, c int64) bool { return a > c })
	asks = depthOf(b.asks, maxLevels, func(a, c int64) bool { return a < c })
	return bids, asks
}

func depthOf(book map[int64]*level, maxLevels int, better func(a, c int64) bool) []protocol.PriceLevel {
	ticks := make([]int64, 0, len(book))
	for t := range book {
		ticks = append(ticks, t)
	}
	sort.Slice(ticks, func(i, j int) bool { return better(ticks[i], ticks[j]) })
	if maxLevels > 0 && len(ticks) > maxLevels {
		ticks = ticks[:maxLevels]
	}
	out := make([]protocol.PriceLevel, 0, len(ticks))
	for _, t := range ticks {
		lv := book[t]
		out = append(out, protocol.PriceLevel{Price: lv.price, Quantity: lv.totalQty})
	}
	return out
}

// Order 按 id 查单（撤单响应、风控回查用）
func (b *Book) Order(orderID uint64) (*Order, bool) {
	o, ok := b.byID[orderID]
	return o, ok
}

// RestingQuantity 全簿剩余挂单量（测试守恒用）
func (b *Book) RestingQuantity() int64 {
	var sum int64
	for _, o := range b.byID {
		sum += o.Quantity
	}
	return sum
}

func (b *Book) recomputeBestAsk() {
	first := true
	var best int64
	for t, lv := range b.asks {
		if lv == nil || lv.empty() {
			continue
		}
		if first || t < best {
			best = t
			first = false
		}
	}
	if first {
		b.hasAsk = false
		b.bestAsk = 0
		return
	}
	b.hasAsk = true
	b.bestAsk = best
}

func (b *Book) recomputeBestBid() {
	first := true
	var best int64
	for t, lv := range b.bids {
		if lv == nil || lv.empty() {
			continue
		}
		if first || t > best {
			best = t
			first = false
		}
	}
	if first {
		b.hasBid = false
		b.bestBid = 0
		return
	}
	b.hasBid = true
	b.bestBid = best
}
