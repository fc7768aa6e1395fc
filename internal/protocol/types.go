package protocol

import (
	"github.com/shopspring/decimal"
)

// 买卖方向
type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// 订阅类型
type SubscriptionType uint8

const (
	SubTopOfBook  SubscriptionType = 1
	SubPriceDepth SubscriptionType = 2
)

type Instrument struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name,omitempty"`
}

// PriceLevel 同价位的聚合量
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}

// ---------- 共用 ----------

type LoginRequest struct {
	RequestID uint64 `json:"request_id"`
	Username  string `json:"username"`
}

type LoginResponse struct {
	RequestID    uint64 `json:"request_id"`
	ErrorMessage string `json:"error_message"`
}

// ---------- 客户端 ↔ 风控服务 ----------

type InsertOrderRequest struct {
	RequestID        uint64          `json:"request_id"`
	InstrumentSymbol string          `json:"instrument_symbol"`
	Side             Side            `json:"side"`
	Price            decimal.Decimal `json:"price"`
	Quantity         int64           `json:"quantity"`
}

type InsertOrderResponse struct {
	RequestID      uint64   `json:"request_id"`
	ErrorMessage   string   `json:"error_message"`
	OrderID        uint64   `json:"order_id"`
	Timestamp      int64    `json:"timestamp"`
	TradeIDs       []uint64 `json:"trade_ids"`
	TradedQuantity int64    `json:"traded_quantity"`
}

type CancelOrderRequest struct {
	RequestID        uint64 `json:"request_id"`
	InstrumentSymbol string `json:"instrument_symbol"`
	OrderID          uint64 `json:"order_id"`
}

type CancelOrderResponse struct {
	RequestID    uint64 `json:"request_id"`
	ErrorMessage string `json:"error_message"`
}

// RollingWindowLimit 滑动窗口限额配置
type RollingWindowLimit struct {
	Limit           decimal.Decimal `json:"limit"`
	WindowInSeconds int             `json:"window_in_seconds"`
}

type UserRiskLimits struct {
	MaxOutstandingQuantity  int64              `json:"max_outstanding_quantity"`
	MessageRateRollingLimit RollingWindowLimit `json:"message_rate_rolling_limit"`
}

type InstrumentRiskLimits struct {
	OrderQuantityRollingLimit RollingWindowLimit `json:"order_quantity_rolling_limit"`
	OrderAmountRollingLimit   RollingWindowLimit `json:"order_amount_rolling_limit"`
}

type GetUserRiskLimitsRequest struct {
	RequestID uint64 `json:"request_id"`
}

type GetUserRiskLimitsResponse struct {
	RequestID      uint64         `json:"request_id"`
	ErrorMessage   string         `json:"error_message"`
	UserRiskLimits UserRiskLimits `json:"user_risk_limits"`
}

type SetUserRiskLimitsRequest struct {
	RequestID      uint64         `json:"request_id"`
	UserRiskLimits UserRiskLimits `json:"user_risk_limits"`
}

type SetUserRiskLimitsResponse struct {
	RequestID    uint64 `json:"request_id"`
	ErrorMessage string `json:"error_message"`
}

type GetInstrumentRiskLimitsRequest struct {
	RequestID uint64 `json:"request_id"`
}

type GetInstrumentRiskLimitsResponse struct {
	RequestID              uint64                          `json:"request_id"`
	ErrorMessage           string                          `json:"error_message"`
	RiskLimitsByInstrument map[string]InstrumentRiskLimits `json:"risk_limits_by_instrument"`
}

type SetInstrumentRiskLimitsRequest struct {
	RequestID            uint64               `json:"request_id"`
	InstrumentSymbol     string               `json:"instrument_symbol"`
	InstrumentRiskLimits InstrumentRiskLimits `json:"instrument_risk_limits"`
}

type SetInstrumentRiskLimitsResponse struct {
	RequestID    uint64 `json:"request_id"`
	ErrorMessage string `json:"error_message"`
}

// ---------- 风控/行情 ↔ 订单簿服务 ----------

type CreateOrderBookRequest struct {
	RequestID uint64          `json:"request_id"`
	TickSize  decimal.Decimal `json:"tick_size"`
}

type CreateOrderBookResponse struct {
	RequestID    uint64 `json:"request_id"`
	OrderBookID  uint64 `json:"order_book_id"`
	Timestamp    int64  `json:"timestamp"`
	ErrorMessage string `json:"error_message"`
}

type BookInsertOrderRequest struct {
	RequestID   uint64          `json:"request_id"`
	OrderBookID uint64          `json:"order_book_id"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	// 风控透传下单用户，自成交防护要用
	OnBehalfOf string `json:"on_behalf_of_username,omitempty"`
}

type BookInsertOrderResponse struct {
	RequestID      uint64   `json:"request_id"`
	ErrorMessage   string   `json:"error_message"`
	OrderID        uint64   `json:"order_id"`
	Timestamp      int64    `json:"timestamp"`
	TradeIDs       []uint64 `json:"trade_ids"`
	TradedQuantity int64    `json:"traded_quantity"`
}

type BookCancelOrderRequest struct {
	RequestID   uint64 `json:"request_id"`
	OrderBookID uint64 `json:"order_book_id"`
	OrderID     uint64 `json:"order_id"`
}

type BookCancelOrderResponse struct {
	RequestID    uint64 `json:"request_id"`
	ErrorMessage string `json:"error_message"`
}

// ---------- 订单簿服务推送事件 ----------

type OnOrderBookCreated struct {
	OrderBookID uint64          `json:"order_book_id"`
	TickSize    decimal.Decimal `json:"tick_size"`
}

type OnOrderInserted struct {
	OrderID     uint64          `json:"order_id"`
	OrderBookID uint64          `json:"order_book_id"`
	Timestamp   int64           `json:"timestamp"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"` // 撮合后的剩余量
	TradeIDs    []uint64        `json:"trade_ids"`
}

type OnOrderCancelled struct {
	OrderID               uint64 `json:"order_id"`
	OrderBookID           uint64 `json:"order_book_id"`
	CancellationTimestamp int64  `json:"cancellation_timestamp"`
}

type OnTrade struct {
	TradeID       uint64          `json:"trade_id"`
	OrderBookID   uint64          `json:"order_book_id"`
	Timestamp     int64           `json:"timestamp"`
	BuyOrderID    uint64          `json:"buy_order_id"`
	SellOrderID   uint64          `json:"sell_order_id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
	AggressorSide Side            `json:"aggressor_side"`
}

// ---------- 客户端 ↔ 行情服务 ----------

type CreateInstrumentRequest struct {
	RequestID  uint64          `json:"request_id"`
	Instrument Instrument      `json:"instrument"`
	TickSize   decimal.Decimal `json:"tick_size"`
}

type CreateInstrumentResponse struct {
	RequestID        uint64 `json:"request_id"`
	ErrorMessage     string `json:"error_message"`
	CreatedTimestamp int64  `json:"created_timestamp"`
	OrderBookID      uint64 `json:"order_book_id"`
}

type OrderBookSubscribeRequest struct {
	RequestID        uint64           `json:"request_id"`
	InstrumentSymbol string           `json:"instrument_symbol"`
	SubscriptionType SubscriptionType `json:"subscription_type"`
}

type OrderBookSubscribeResponse struct {
	RequestID    uint64 `json:"request_id"`
	ErrorMessage string `json:"error_message"`
}

type OnInstrument struct {
	Instrument       Instrument      `json:"instrument"`
	CreatedTimestamp int64           `json:"created_timestamp"`
	TickSize         decimal.Decimal `json:"tick_size"`
	OrderBookID      uint64          `json:"order_book_id"`
}

type OnTopOfBook struct {
	InstrumentSymbol string      `json:"instrument_symbol"`
	Timestamp        int64       `json:"timestamp"`
	BestBid          *PriceLevel `json:"best_bid"`
	BestAsk          *PriceLevel `json:"best_ask"`
}

type OnPriceDepthBook struct {
	InstrumentSymbol string       `json:"instrument_symbol"`
	Timestamp        int64        `json:"timestamp"`
	Bids             []PriceLevel `json:"bids"`
	Asks             []PriceLevel `json:"asks"`
}

// OnInstrumentTrade 行情服务转发的成交（带符号）
type OnInstrumentTrade struct {
	TradeID          uint64          `json:"trade_id"`
	InstrumentSymbol string          `json:"instrument_symbol"`
	Timestamp        int64           `json:"timestamp"`
	Price            decimal.Decimal `json:"price"`
	Quantity         int64           `json:"quantity"`
	AggressorSide    Side            `json:"aggressor_side"`
}
