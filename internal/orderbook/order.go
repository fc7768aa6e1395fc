package orderbook

import (
	"github.com/shopspring/decimal"
	"gomex.com/internal/protocol"
)

// Order 订单实体，归属创建它的 Book 独占；外部只拿 id。
type Order struct {
	ID          uint64
	OrderBookID uint64
	Timestamp   int64 // 微秒
	Side        protocol.Side
	Price       decimal.Decimal
	Quantity    int64 // 剩余量，只减不增
	TradeIDs    []uint64

	// 风控透传的下单用户，可为空；自成交防护用它判断
	OnBehalfOf string

	// 价位桶内的 FIFO 双向链表
	ticks int64
	next  *Order
	prev  *Order
	level *level
}

// Trade 成交记录，生成后不再改动
type Trade struct {
	ID            uint64
	OrderBookID   uint64
	Timestamp     int64
	BuyOrderID    uint64
	SellOrderID   uint64
	Price         decimal.Decimal
	Quantity      int64
	AggressorSide protocol.Side
}

// level 单一价位的 FIFO 队列，附带聚合量
type level struct {
	ticks    int64
	price    decimal.Decimal
	head     *Order
	tail     *Order
	totalQty int64
	count    int
}

// 同价新单追加到队尾，天然时间优先
func (l *level) pushBack(o *Order) {
	o.prev, o.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = o
	} else {
		l.head = o
	}
	l.tail = o
	l.totalQty += o.Quantity
	l.count++
	o.level = l
}

// remove 摘链，quantity 已经减掉的部分不在 totalQty 里
func (l *level) remove(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.prev, o.next, o.level = nil, nil, nil
	l.totalQty -= o.Quantity
	l.count--
}

func (l *level) empty() bool { return l.count == 0 }
