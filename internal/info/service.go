package info

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gomex.com/internal/info/broker"
	"gomex.com/internal/info/ws"
	"gomex.com/internal/netio"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
	"gomex.com/pkg/rollwin"
	"gomex.com/pkg/xerr"
)

const serviceName = "info-service"

const defaultMaxInflight = 4096

type pendingCreate struct {
	conn     *netio.Conn
	req      protocol.CreateInstrumentRequest
	deadline time.Time
}

// Service 行情服务。
// 从订单簿服务的事件流维护影子簿，按订阅关系分发 TOB / 深度 / 成交；
// 建标的请求在这里落地：转发建簿、登记映射、广播 OnInstrument。
// TOB 只在真的变了才播，深度只要簿动了就播。
type Service struct {
	mgr      *netio.Manager
	bookConn *netio.Conn

	books    map[uint64]*shadowBook
	bySymbol map[string]*shadowBook

	tobSubs   map[string]map[uint64]*netio.Conn
	depthSubs map[string]map[uint64]*netio.Conn

	pendingCreates map[uint64]*pendingCreate
	nextCorrID     uint64

	hub    *ws.Hub       // 可为 nil
	broker broker.Broker // 可为 nil

	depthLevels    int
	forwardTimeout time.Duration
	maxInflight    int
	now            rollwin.Clock
}

func NewService(mgr *netio.Manager) *Service {
	return &Service{
		mgr:            mgr,
		books:          make(map[uint64]*shadowBook, 16),
		bySymbol:       make(map[string]*shadowBook, 16),
		tobSubs:        make(map[string]map[uint64]*netio.Conn, 16),
		depthSubs:      make(map[string]map[uint64]*netio.Conn, 16),
		pendingCreates: make(map[uint64]*pendingCreate, 8),
		forwardTimeout: 5 * time.Second,
		maxInflight:    defaultMaxInflight,
		now:            time.Now,
	}
}

// WithBookConn 绑定通往订单簿服务的连接
func (s *Service) WithBookConn(c *netio.Conn) *Service {
	s.bookConn = c
	return s
}

// WithHub 挂 websocket 旁路
func (s *Service) WithHub(h *ws.Hub) *Service {
	s.hub = h
	return s
}

// WithBroker 挂事件镜像 broker
func (s *Service) WithBroker(b broker.Broker) *Service {
	s.broker = b
	return s
}

// WithDepthLevels 深度广播的档位上限（0 为全部）
func (s *Service) WithDepthLevels(n int) *Service {
	s.depthLevels = n
	return s
}

// WithForwardTimeout 转发建簿请求的超时
func (s *Service) WithForwardTimeout(d time.Duration) *Service {
	if d > 0 {
		s.forwardTimeout = d
	}
	return s
}

// WithClock 注入时钟（测试用）
func (s *Service) WithClock(c rollwin.Clock) *Service {
	s.now = c
	return s
}

// Run 服务主循环
func (s *Service) Run(ctx context.Context) {
	sweep := s.forwardTimeout / 2
	if sweep < 100*time.Millisecond {
		sweep = 100 * time.Millisecond
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	mailbox := s.mgr.Mailbox()
	for {
		metrics.MailboxDepth.WithLabelValues(serviceName).Set(float64(len(mailbox)))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		case env := <-mailbox:
			s.Handle(ctx, env)
		}
	}
}

// Handle 处理一条事件。导出是为了让测试不起 loop 直接灌
func (s *Service) Handle(ctx context.Context, env netio.Envelope) {
	switch env.Kind {
	case netio.EnvOpened:
		logger.Info(ctx, "client connected", zap.Uint64("conn_id", env.Conn.ID()))
	case netio.EnvClosed:
		s.handleClosed(ctx, env.Conn)
	case netio.EnvData:
		s.dispatch(ctx, env)
	}
}

func (s *Service) handleClosed(ctx context.Context, c *netio.Conn) {
	if c == s.bookConn {
		logger.Error(ctx, "order book connection lost")
		s.bookConn = nil
		for corrID, p := range s.pendingCreates {
			delete(s.pendingCreates, corrID)
			s.reply(p.conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
				RequestID:    p.req.RequestID,
				ErrorMessage: "order book service unavailable",
			})
		}
		return
	}
	// 订阅关系随连接走
	for _, set := range s.tobSubs {
		delete(set, c.ID())
	}
	for _, set := range s.depthSubs {
		delete(set, c.ID())
	}
	logger.Info(ctx, "client disconnected", zap.Uint64("conn_id", c.ID()))
}

func (s *Service) dispatch(ctx context.Context, env netio.Envelope) {
	switch env.Type {
	case protocol.MsgLoginRequest:
		var req protocol.LoginRequest
		if s.decode(ctx, env, &req) {
			// 行情侧不做权限区分，登录即成功
			s.reply(env.Conn, protocol.MsgLoginResponse, &protocol.LoginResponse{RequestID: req.RequestID})
		}
	case protocol.MsgCreateInstrumentRequest:
		var req protocol.CreateInstrumentRequest
		if s.decode(ctx, env, &req) {
			s.handleCreateInstrument(ctx, env, &req)
		}
	case protocol.MsgOrderBookSubscribeRequest:
		var req protocol.OrderBookSubscribeRequest
		if s.decode(ctx, env, &req) {
			s.handleSubscribe(ctx, env, &req)
		}

	// 订单簿服务回来的响应和事件
	case protocol.MsgCreateOrderBookResponse:
		var resp protocol.CreateOrderBookResponse
		if s.decode(ctx, env, &resp) {
			s.handleCreateBookResp(ctx, &resp)
		}
	case protocol.MsgOnOrderInserted:
		var ev protocol.OnOrderInserted
		if s.decode(ctx, env, &ev) {
			s.handleOrderInserted(ctx, &ev)
		}
	case protocol.MsgOnOrderCancelled:
		var ev protocol.OnOrderCancelled
		if s.decode(ctx, env, &ev) {
			s.handleOrderCancelled(ctx, &ev)
		}
	case protocol.MsgOnTrade:
		var ev protocol.OnTrade
		if s.decode(ctx, env, &ev) {
			s.handleTrade(ctx, &ev)
		}

	case protocol.MsgLoginResponse, protocol.MsgOnOrderBookCreated:
		// 建簿事件靠 CreateOrderBookResponse 的关联路径登记

	default:
		logger.Warn(ctx, "unexpected message type",
			zap.Uint32("msg_type", uint32(env.Type)),
			zap.Uint64("conn_id", env.Conn.ID()),
		)
	}
}

func (s *Service) handleCreateInstrument(ctx context.Context, env netio.Envelope, req *protocol.CreateInstrumentRequest) {
	symbol := req.Instrument.Symbol
	if symbol == "" {
		s.reply(env.Conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    req.RequestID,
			ErrorMessage: "instrument symbol required",
		})
		return
	}
	if _, ok := s.bySymbol[symbol]; ok {
		s.reply(env.Conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("instrument %s already exists", symbol),
		})
		return
	}
	if s.bookConn == nil {
		s.reply(env.Conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    req.RequestID,
			ErrorMessage: "order book service unavailable",
		})
		return
	}
	if len(s.pendingCreates) >= s.maxInflight {
		s.reply(env.Conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    req.RequestID,
			ErrorMessage: "too many requests in flight",
		})
		return
	}

	s.nextCorrID++
	corrID := s.nextCorrID
	s.pendingCreates[corrID] = &pendingCreate{
		conn:     env.Conn,
		req:      *req,
		deadline: s.now().Add(s.forwardTimeout),
	}
	err := s.bookConn.Send(protocol.MsgCreateOrderBookRequest, &protocol.CreateOrderBookRequest{
		RequestID: corrID,
		TickSize:  req.TickSize,
	})
	if err != nil {
		delete(s.pendingCreates, corrID)
		s.reply(env.Conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    req.RequestID,
			ErrorMessage: "order book service unavailable",
		})
		logger.Error(ctx, "forward create order book failed", zap.Error(err))
	}
}

func (s *Service) handleCreateBookResp(ctx context.Context, resp *protocol.CreateOrderBookResponse) {
	p, ok := s.pendingCreates[resp.RequestID]
	if !ok {
		logger.Error(ctx, "create order book response for unknown correlation id",
			zap.Uint64("correlation_id", resp.RequestID))
		return
	}
	delete(s.pendingCreates, resp.RequestID)

	if resp.ErrorMessage != "" {
		s.reply(p.conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    p.req.RequestID,
			ErrorMessage: resp.ErrorMessage,
		})
		return
	}

	symbol := p.req.Instrument.Symbol
	sb := newShadowBook(resp.OrderBookID, symbol, p.req.TickSize)
	s.books[sb.id] = sb
	s.bySymbol[symbol] = sb

	logger.Info(ctx, "instrument created",
		zap.String("symbol", symbol),
		zap.Uint64("order_book_id", sb.id),
	)

	ev := &protocol.OnInstrument{
		Instrument:       p.req.Instrument,
		CreatedTimestamp: resp.Timestamp,
		TickSize:         p.req.TickSize,
		OrderBookID:      resp.OrderBookID,
	}
	// 风控服务靠这条广播学到 symbol → order_book_id
	s.mgr.Broadcast(protocol.MsgOnInstrument, ev)
	s.mirror("instrument", ev)
	metrics.BroadcastsTotal.WithLabelValues("instrument").Inc()

	s.reply(p.conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
		RequestID:        p.req.RequestID,
		CreatedTimestamp: resp.Timestamp,
		OrderBookID:      resp.OrderBookID,
	})
}

func (s *Service) handleSubscribe(ctx context.Context, env netio.Envelope, req *protocol.OrderBookSubscribeRequest) {
	sb, ok := s.bySymbol[req.InstrumentSymbol]
	if !ok {
		s.reply(env.Conn, protocol.MsgOrderBookSubscribeResponse, &protocol.OrderBookSubscribeResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("unknown instrument %s", req.InstrumentSymbol),
		})
		return
	}

	var set map[uint64]*netio.Conn
	switch req.SubscriptionType {
	case protocol.SubTopOfBook:
		set = s.tobSubs[req.InstrumentSymbol]
		if set == nil {
			set = make(map[uint64]*netio.Conn, 8)
			s.tobSubs[req.InstrumentSymbol] = set
		}
	case protocol.SubPriceDepth:
		set = s.depthSubs[req.InstrumentSymbol]
		if set == nil {
			set = make(map[uint64]*netio.Conn, 8)
			s.depthSubs[req.InstrumentSymbol] = set
		}
	default:
		s.reply(env.Conn, protocol.MsgOrderBookSubscribeResponse, &protocol.OrderBookSubscribeResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("unknown subscription type %d", req.SubscriptionType),
		})
		return
	}
	set[env.Conn.ID()] = env.Conn

	s.reply(env.Conn, protocol.MsgOrderBookSubscribeResponse, &protocol.OrderBookSubscribeResponse{
		RequestID: req.RequestID,
	})

	// 回放当前快照，订阅者不用等下一次变化
	ts := s.now().UnixMicro()
	switch req.SubscriptionType {
	case protocol.SubTopOfBook:
		bid, ask := sb.topOfBook()
		s.reply(env.Conn, protocol.MsgOnTopOfBook, &protocol.OnTopOfBook{
			InstrumentSymbol: sb.symbol, Timestamp: ts, BestBid: bid, BestAsk: ask,
		})
	case protocol.SubPriceDepth:
		bids, asks := sb.depth(s.depthLevels)
		s.reply(env.Conn, protocol.MsgOnPriceDepthBook, &protocol.OnPriceDepthBook{
			InstrumentSymbol: sb.symbol, Timestamp: ts, Bids: bids, Asks: asks,
		})
	}
}

func (s *Service) handleOrderInserted(ctx context.Context, ev *protocol.OnOrderInserted) {
	sb := s.books[ev.OrderBookID]
	if sb == nil {
		return
	}
	if sb.applyInserted(ev) {
		s.publishMarketData(sb)
	}
}

func (s *Service) handleOrderCancelled(ctx context.Context, ev *protocol.OnOrderCancelled) {
	sb := s.books[ev.OrderBookID]
	if sb == nil {
		return
	}
	if sb.applyCancelled(ev.OrderID) {
		s.publishMarketData(sb)
	}
}

func (s *Service) handleTrade(ctx context.Context, ev *protocol.OnTrade) {
	sb := s.books[ev.OrderBookID]
	if sb == nil {
		return
	}

	relay := &protocol.OnInstrumentTrade{
		TradeID:          ev.TradeID,
		InstrumentSymbol: sb.symbol,
		Timestamp:        ev.Timestamp,
		Price:            ev.Price,
		Quantity:         ev.Quantity,
		AggressorSide:    ev.AggressorSide,
	}
	s.mgr.Broadcast(protocol.MsgOnInstrumentTrade, relay)
	s.mirror(ws.TopicTrade+sb.symbol, relay)
	metrics.BroadcastsTotal.WithLabelValues("trade").Inc()

	if sb.applyTrade(ev) {
		s.publishMarketData(sb)
	}
}

// publishMarketData 簿动了就播深度；TOB 变了才播 TOB
func (s *Service) publishMarketData(sb *shadowBook) {
	ts := s.now().UnixMicro()

	bid, ask := sb.topOfBook()
	if sb.tobChanged(bid, ask) {
		sb.storeTOB(bid, ask)
		ev := &protocol.OnTopOfBook{
			InstrumentSymbol: sb.symbol, Timestamp: ts, BestBid: bid, BestAsk: ask,
		}
		for _, c := range s.tobSubs[sb.symbol] {
			s.reply(c, protocol.MsgOnTopOfBook, ev)
		}
		s.mirror(ws.TopicTOB+sb.symbol, ev)
		metrics.BroadcastsTotal.WithLabelValues("tob").Inc()
	}

	bids, asks := sb.depth(s.depthLevels)
	ev := &protocol.OnPriceDepthBook{
		InstrumentSymbol: sb.symbol, Timestamp: ts, Bids: bids, Asks: asks,
	}
	for _, c := range s.depthSubs[sb.symbol] {
		s.reply(c, protocol.MsgOnPriceDepthBook, ev)
	}
	s.mirror(ws.TopicDepth+sb.symbol, ev)
	metrics.BroadcastsTotal.WithLabelValues("depth").Inc()
}

// mirror 把事件同步抄送 websocket 旁路和 broker
func (s *Service) mirror(topic string, v interface{}) {
	if s.hub == nil && s.broker == nil {
		return
	}
	payload, err := protocol.Marshal(v)
	if err != nil {
		logger.Error(context.Background(), "mirror encode failed", zap.Error(err))
		return
	}
	if s.hub != nil {
		s.hub.Publish(topic, payload)
	}
	if s.broker != nil {
		if err := s.broker.Publish(context.Background(), topic, payload); err != nil {
			logger.Warn(context.Background(), "broker publish failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

// Sweep 建簿转发超时清理
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()
	for corrID, p := range s.pendingCreates {
		if now.Before(p.deadline) {
			continue
		}
		delete(s.pendingCreates, corrID)
		s.reply(p.conn, protocol.MsgCreateInstrumentResponse, &protocol.CreateInstrumentResponse{
			RequestID:    p.req.RequestID,
			ErrorMessage: xerr.MapErrMsg(xerr.DownstreamTimeout),
		})
		logger.Warn(ctx, "forwarded create order book timed out",
			zap.Uint64("correlation_id", corrID),
			zap.String("symbol", p.req.Instrument.Symbol),
		)
	}
}

func (s *Service) decode(ctx context.Context, env netio.Envelope, v interface{}) bool {
	if err := protocol.Unmarshal(env.Payload, v); err != nil {
		logger.Warn(ctx, "malformed payload",
			zap.Uint32("msg_type", uint32(env.Type)),
			zap.Uint64("conn_id", env.Conn.ID()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Service) reply(c *netio.Conn, msgType protocol.MsgType, v interface{}) {
	if err := c.Send(msgType, v); err != nil {
		logger.Warn(context.Background(), "send failed",
			zap.Uint64("conn_id", c.ID()),
			zap.Error(err),
		)
	}
}
