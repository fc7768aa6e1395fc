package info

import (
	"sort"

	"github.com/shopspring/decimal"
	"gomex.com/internal/protocol"
)

// shadowBook 行情侧按订单簿事件维护的影子簿。
// 不撮合、只记账：挂单事件加剩余量，成交扣挂单方，撤单清剩余。
// 价位桶用 price.String() 做 key（decimal 不能直接当 map key）。
type shadowBook struct {
	id       uint64
	symbol   string
	tickSize decimal.Decimal

	orders map[uint64]*shadowOrder
	bids   map[string]*sideLevel
	asks   map[string]*sideLevel

	// 上次发布的 TOB，用来判断要不要再播
	lastBid      *protocol.PriceLevel
	lastAsk      *protocol.PriceLevel
	tobPublished bool
}

type shadowOrder struct {
	side      protocol.Side
	price     decimal.Decimal
	remaining int64
}

type sideLevel struct {
	price decimal.Decimal
	qty   int64
}

func newShadowBook(id uint64, symbol string, tickSize decimal.Decimal) *shadowBook {
	return &shadowBook{
		id:       id,
		symbol:   symbol,
		tickSize: tickSize,
		orders:   make(map[uint64]*shadowOrder, 1024),
		bids:     make(map[string]*sideLevel, 64),
		asks:     make(map[string]*sideLevel, 64),
	}
}

func (sb *shadowBook) sideOf(side protocol.Side) map[string]*sideLevel {
	if side == protocol.SideBuy {
		return sb.bids
	}
	return sb.asks
}

// applyInserted 剩余量为 0 的挂单事件（全部吃掉的 taker）不改簿
func (sb *shadowBook) applyInserted(ev *protocol.OnOrderInserted) bool {
	if ev.Quantity <= 0 {
		return false
	}
	sb.orders[ev.OrderID] = &shadowOrder{side: ev.Side, price: ev.Price, remaining: ev.Quantity}
	sb.bump(ev.Side, ev.Price, ev.Quantity)
	return true
}

// applyTrade 只扣挂单方；taker 的量在它自己的挂单事件里已是撮合后剩余
func (sb *shadowBook) applyTrade(ev *protocol.OnTrade) bool {
	restingID := ev.BuyOrderID
	if ev.AggressorSide == protocol.SideBuy {
		restingID = ev.SellOrderID
	}
	o := sb.orders[restingID]
	if o == nil {
		return false
	}
	o.remaining -= ev.Quantity
	sb.bump(o.side, o.price, -ev.Quantity)
	if o.remaining <= 0 {
		delete(sb.orders, restingID)
	}
	return true
}

func (sb *shadowBook) applyCancelled(orderID uint64) bool {
	o := sb.orders[orderID]
	if o == nil {
		return false
	}
	sb.bump(o.side, o.price, -o.remaining)
	delete(sb.orders, orderID)
	return true
}

func (sb *shadowBook) bump(side protocol.Side, price decimal.Decimal, delta int64) {
	book := sb.sideOf(side)
	key := price.String()
	lv := book[key]
	if lv == nil {
		lv = &sideLevel{price: price}
		book[key] = lv
	}
	lv.qty += delta
	if lv.qty <= 0 {
		delete(book, key)
	}
}

// topOfBook 当前最优买卖（聚合量），空侧返回 nil
func (sb *shadowBook) topOfBook() (bid, ask *protocol.PriceLevel) {
	for _, lv := range sb.bids {
		if bid == nil || lv.price.GreaterThan(bid.Price) {
			bid = &protocol.PriceLevel{Price: lv.price, Quantity: lv.qty}
		}
	}
	for _, lv := range sb.asks {
		if ask == nil || lv.price.LessThan(ask.Price) {
			ask = &protocol.PriceLevel{Price: lv.price, Quantity: lv.qty}
		}
	}
	return bid, ask
}

// tobChanged 价或量任一变了才算变；第一次必播
func (sb *shadowBook) tobChanged(bid, ask *protocol.PriceLevel) bool {
	if !sb.tobPublished {
		return true
	}
	return !levelEqual(sb.lastBid, bid) || !levelEqual(sb.lastAsk, ask)
}

func (sb *shadowBook) storeTOB(bid, ask *protocol.PriceLevel) {
	sb.lastBid, sb.lastAsk = bid, ask
	sb.tobPublished = true
}

func levelEqual(a, b *protocol.PriceLevel) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Quantity == b.Quantity && a.Price.Equal(b.Price)
}

// depth 两侧聚合深度，最优价在前。maxLevels <= 0 取全部。
func (sb *shadowBook) depth(maxLevels int) (bids, asks []protocol.PriceLevel) {
	bids = flatten(sb.bids, maxLevels, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
	asks = flatten(sb.asks, maxLevels, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
	return bids, asks
}

func flatten(book map[string]*sideLevel, maxLevels int, better func(a, b decimal.Decimal) bool) []protocol.PriceLevel {
	out := make([]protocol.PriceLevel, 0, len(book))
	for _, lv := range book {
		out = append(out, protocol.PriceLevel{Price: lv.price, Quantity: lv.qty})
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })
	if maxLevels > 0 && len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}
