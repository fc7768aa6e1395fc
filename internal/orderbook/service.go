package orderbook

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gomex.com/internal/netio"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
)

const serviceName = "orderbook-service"

// Service 订单簿服务：单协程 loop 串行消费 mailbox，
// 所有 Book 状态只在 loop 里动，不需要锁。
// 对端（风控、行情）的请求走 request/response，
// 簿的每次变化再以事件广播给所有连接。
type Service struct {
	mgr   *netio.Manager
	books map[uint64]*Book

	nextBookID uint64
	stp        SelfTradePolicy
	now        Clock
}

func NewService(mgr *netio.Manager) *Service {
	return &Service{
		mgr:   mgr,
		books: make(map[uint64]*Book, 64),
		now:   time.Now,
	}
}

// WithSelfTradePolicy 新建的簿都用这个策略
func (s *Service) WithSelfTradePolicy(p SelfTradePolicy) *Service {
	s.stp = p
	return s
}

// WithClock 注入时钟（测试用）
func (s *Service) WithClock(c Clock) *Service {
	s.now = c
	return s
}

// Book 按 id 取簿（测试用）
func (s *Service) Book(id uint64) (*Book, bool) {
	b, ok := s.books[id]
	return b, ok
}

// Run 服务主循环，ctx 取消后退出
func (s *Service) Run(ctx context.Context) {
	mailbox := s.mgr.Mailbox()
	for {
		metrics.MailboxDepth.WithLabelValues(serviceName).Set(float64(len(mailbox)))
		select {
		case <-ctx.Done():
			return
		case env := <-mailbox:
			s.Handle(ctx, env)
		}
	}
}

// Handle 处理一条事件。导出是为了让测试不起 loop 直接灌
func (s *Service) Handle(ctx context.Context, env netio.Envelope) {
	switch env.Kind {
	case netio.EnvOpened:
		logger.Info(ctx, "peer connected", zap.Uint64("conn_id", env.Conn.ID()))
	case netio.EnvClosed:
		logger.Info(ctx, "peer disconnected", zap.Uint64("conn_id", env.Conn.ID()))
	case netio.EnvData:
		s.dispatch(ctx, env)
	}
}

func (s *Service) dispatch(ctx context.Context, env netio.Envelope) {
	switch env.Type {
	case protocol.MsgLoginRequest:
		var req protocol.LoginRequest
		if !s.decode(ctx, env, &req) {
			return
		}
		// 订单簿服务只接内部服务，来者不拒
		s.reply(env, protocol.MsgLoginResponse, &protocol.LoginResponse{RequestID: req.RequestID})

	case protocol.MsgCreateOrderBookRequest:
		var req protocol.CreateOrderBookRequest
		if !s.decode(ctx, env, &req) {
			return
		}
		s.handleCreateOrderBook(ctx, env, &req)

	case protocol.MsgBookInsertOrderRequest:
		var req protocol.BookInsertOrderRequest
		if !s.decode(ctx, env, &req) {
			return
		}
		s.handleInsertOrder(ctx, env, &req)

	case protocol.MsgBookCancelOrderRequest:
		var req protocol.BookCancelOrderRequest
		if !s.decode(ctx, env, &req) {
			return
		}
		s.handleCancelOrder(ctx, env, &req)

	default:
		logger.Warn(ctx, "unexpected message type",
			zap.Uint32("msg_type", uint32(env.Type)),
			zap.Uint64("conn_id", env.Conn.ID()),
		)
	}
}

func (s *Service) handleCreateOrderBook(ctx context.Context, env netio.Envelope, req *protocol.CreateOrderBookRequest) {
	if req.TickSize.Sign() <= 0 {
		s.reply(env, protocol.MsgCreateOrderBookResponse, &protocol.CreateOrderBookResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("tick size %s must be a positive number", req.TickSize),
		})
		return
	}

	s.nextBookID++
	b := NewBook(s.nextBookID, req.TickSize).WithSelfTradePolicy(s.stp).WithClock(s.now)
	s.books[b.ID] = b

	logger.Info(ctx, "order book created",
		zap.Uint64("order_book_id", b.ID),
		zap.String("tick_size", req.TickSize.String()),
	)

	s.reply(env, protocol.MsgCreateOrderBookResponse, &protocol.CreateOrderBookResponse{
		RequestID:   req.RequestID,
		OrderBookID: b.ID,
		Timestamp:   s.now().UnixMicro(),
	})
	s.mgr.Broadcast(protocol.MsgOnOrderBookCreated, &protocol.OnOrderBookCreated{
		OrderBookID: b.ID,
		TickSize:    req.TickSize,
	})
}

func (s *Service) handleInsertOrder(ctx context.Context, env netio.Envelope, req *protocol.BookInsertOrderRequest) {
	bookLabel := fmt.Sprintf("%d", req.OrderBookID)

	b, ok := s.books[req.OrderBookID]
	if !ok {
		metrics.OrdersRejected.WithLabelValues(serviceName, "not_found").Inc()
		s.reply(env, protocol.MsgBookInsertOrderResponse, &protocol.BookInsertOrderResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("unknown order book id %d", req.OrderBookID),
		})
		return
	}

	o, trades, err := b.InsertOrder(req.Side, req.Price, req.Quantity, req.OnBehalfOf)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(serviceName, "validation").Inc()
		s.reply(env, protocol.MsgBookInsertOrderResponse, &protocol.BookInsertOrderResponse{
			RequestID:    req.RequestID,
			ErrorMessage: insertErrMsg(err, b, req),
		})
		return
	}

	metrics.OrdersInserted.WithLabelValues(bookLabel).Inc()

	var traded int64
	tradeIDs := make([]uint64, 0, len(trades))
	for _, tr := range trades {
		traded += tr.Quantity
		tradeIDs = append(tradeIDs, tr.ID)
	}

	s.reply(env, protocol.MsgBookInsertOrderResponse, &protocol.BookInsertOrderResponse{
		RequestID:      req.RequestID,
		OrderID:        o.ID,
		Timestamp:      o.Timestamp,
		TradeIDs:       tradeIDs,
		TradedQuantity: traded,
	})

	// 事件顺序固定：先挂单事件（带撮合后剩余量），再逐笔成交
	s.mgr.Broadcast(protocol.MsgOnOrderInserted, &protocol.OnOrderInserted{
		OrderID:     o.ID,
		OrderBookID: b.ID,
		Timestamp:   o.Timestamp,
		Side:        o.Side,
		Price:       o.Price,
		Quantity:    o.Quantity,
		TradeIDs:    tradeIDs,
	})
	for _, tr := range trades {
		metrics.TradesTotal.WithLabelValues(bookLabel).Inc()
		s.mgr.Broadcast(protocol.MsgOnTrade, &protocol.OnTrade{
			TradeID:       tr.ID,
			OrderBookID:   tr.OrderBookID,
			Timestamp:     tr.Timestamp,
			BuyOrderID:    tr.BuyOrderID,
			SellOrderID:   tr.SellOrderID,
			Price:         tr.Price,
			Quantity:      tr.Quantity,
			AggressorSide: tr.AggressorSide,
		})
	}
}

func (s *Service) handleCancelOrder(ctx context.Context, env netio.Envelope, req *protocol.BookCancelOrderRequest) {
	b, ok := s.books[req.OrderBookID]
	if !ok {
		s.reply(env, protocol.MsgBookCancelOrderResponse, &protocol.BookCancelOrderResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("unknown order book id %d", req.OrderBookID),
		})
		return
	}

	o, err := b.CancelOrder(req.OrderID)
	if err != nil {
		s.reply(env, protocol.MsgBookCancelOrderResponse, &protocol.BookCancelOrderResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("order %d not found", req.OrderID),
		})
		return
	}

	metrics.OrdersCancelled.WithLabelValues(fmt.Sprintf("%d", b.ID)).Inc()

	s.reply(env, protocol.MsgBookCancelOrderResponse, &protocol.BookCancelOrderResponse{
		RequestID: req.RequestID,
	})
	s.mgr.Broadcast(protocol.MsgOnOrderCancelled, &protocol.OnOrderCancelled{
		OrderID:               o.ID,
		OrderBookID:           b.ID,
		CancellationTimestamp: s.now().UnixMicro(),
	})
}

// insertErrMsg 把撮合层的 sentinel 错误翻成带上下文的文案
func insertErrMsg(err error, b *Book, req *protocol.BookInsertOrderRequest) string {
	switch err {
	case ErrTickSize:
		return fmt.Sprintf("order price %s does not conform to tick size %s", req.Price, b.TickSize)
	case ErrInvalidQuantity:
		return fmt.Sprintf("order quantity %d must be greater than zero", req.Quantity)
	case ErrInvalidSide:
		return fmt.Sprintf("invalid side %d", req.Side)
	case ErrSelfTrade:
		return "order rejected by self-trade prevention"
	default:
		return err.Error()
	}
}

func (s *Service) decode(ctx context.Context, env netio.Envelope, v interface{}) bool {
	if err := protocol.Unmarshal(env.Payload, v); err != nil {
		// 坏 payload 只丢这一帧，连接留着
		logger.Warn(ctx, "malformed payload",
			zap.Uint32("msg_type", uint32(env.Type)),
			zap.Uint64("conn_id", env.Conn.ID()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) reply(env netio.Envelope, msgType protocol.MsgType, v interface{}) {
	if err := env.Conn.Send(msgType, v); err != nil {
		logger.Warn(context.Background(), "reply failed",
			zap.Uint64("conn_id", env.Conn.ID()),
			zap.Error(err),
		)
	}
}
