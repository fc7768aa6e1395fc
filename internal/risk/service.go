package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gomex.com/internal/netio"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
	"gomex.com/pkg/rollwin"
	"gomex.com/pkg/xerr"
)

const serviceName = "risk-service"

// 在途转发的兜底上限，满了直接拒新单，correlation map 不会无限长
const defaultMaxInflight = 65536

type instrumentInfo struct {
	orderBookID uint64
	tickSize    decimal.Decimal
}

type orderKey struct {
	orderBookID uint64
	orderID     uint64
}

// orderRec 风控侧登记的在簿订单，撤单回滚和成交扣减都靠它
type orderRec struct {
	username  string
	symbol    string
	remaining int64
}

type pendingInsert struct {
	conn     *netio.Conn
	req      protocol.InsertOrderRequest
	username string
	bookID   uint64
	deadline time.Time
}

type pendingCancel struct {
	conn     *netio.Conn
	req      protocol.CancelOrderRequest
	username string
	key      orderKey
	deadline time.Time
}

// Service 风控（准入）服务。
// 客户端连进来先登录；每笔下单按序过检，过了才转发给订单簿服务，
// 响应靠 correlation id 译回原 request_id。
// 所有状态归 loop 协程独占。
type Service struct {
	mgr      *netio.Manager
	bookConn *netio.Conn

	sessions     map[uint64]string     // conn id → username
	users        map[string]*userState // 断线不清
	instruments  map[string]instrumentInfo
	symbolByBook map[uint64]string
	orders       map[orderKey]*orderRec

	pendingInserts map[uint64]*pendingInsert
	pendingCancels map[uint64]*pendingCancel
	nextCorrID     uint64

	defaultLimits  protocol.UserRiskLimits
	forwardTimeout time.Duration
	maxInflight    int
	now            rollwin.Clock
}

func NewService(mgr *netio.Manager) *Service {
	return &Service{
		mgr:            mgr,
		sessions:       make(map[uint64]string, 64),
		users:          make(map[string]*userState, 64),
		instruments:    make(map[string]instrumentInfo, 16),
		symbolByBook:   make(map[uint64]string, 16),
		orders:         make(map[orderKey]*orderRec, 1024),
		pendingInserts: make(map[uint64]*pendingInsert, 64),
		pendingCancels: make(map[uint64]*pendingCancel, 64),
		forwardTimeout: 5 * time.Second,
		maxInflight:    defaultMaxInflight,
		now:            time.Now,
	}
}

// WithBookConn 绑定通往订单簿服务的连接（启动时拨好）
func (s *Service) WithBookConn(c *netio.Conn) *Service {
	s.bookConn = c
	return s
}

// WithDefaultUserLimits 新用户的初始限额（配置给）
func (s *Service) WithDefaultUserLimits(l protocol.UserRiskLimits) *Service {
	s.defaultLimits = l
	return s
}

// WithForwardTimeout 转发请求的超时
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

// Run 服务主循环；定时扫在途超时
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

// 断线只清连接绑定，限额配置和在簿订单都留着
func (s *Service) handleClosed(ctx context.Context, c *netio.Conn) {
	if c == s.bookConn {
		logger.Error(ctx, "order book connection lost")
		s.bookConn = nil
		s.failAllPending(ctx, "order book service unavailable")
		return
	}
	if username, ok := s.sessions[c.ID()]; ok {
		delete(s.sessions, c.ID())
		logger.Info(ctx, "session closed",
			zap.Uint64("conn_id", c.ID()),
			zap.String("username", username),
		)
	}
}

func (s *Service) dispatch(ctx context.Context, env netio.Envelope) {
	switch env.Type {
	case protocol.MsgLoginRequest:
		var req protocol.LoginRequest
		if s.decode(ctx, env, &req) {
			s.handleLogin(ctx, env, &req)
		}
	case protocol.MsgInsertOrderRequest:
		var req protocol.InsertOrderRequest
		if s.decode(ctx, env, &req) {
			s.handleInsert(ctx, env, &req)
		}
	case protocol.MsgCancelOrderRequest:
		var req protocol.CancelOrderRequest
		if s.decode(ctx, env, &req) {
			s.handleCancel(ctx, env, &req)
		}
	case protocol.MsgGetUserRiskLimitsRequest:
		var req protocol.GetUserRiskLimitsRequest
		if s.decode(ctx, env, &req) {
			s.handleGetUserLimits(env, &req)
		}
	case protocol.MsgSetUserRiskLimitsRequest:
		var req protocol.SetUserRiskLimitsRequest
		if s.decode(ctx, env, &req) {
			s.handleSetUserLimits(env, &req)
		}
	case protocol.MsgGetInstrumentRiskLimitsRequest:
		var req protocol.GetInstrumentRiskLimitsRequest
		if s.decode(ctx, env, &req) {
			s.handleGetInstrumentLimits(env, &req)
		}
	case protocol.MsgSetInstrumentRiskLimitsRequest:
		var req protocol.SetInstrumentRiskLimitsRequest
		if s.decode(ctx, env, &req) {
			s.handleSetInstrumentLimits(env, &req)
		}

	// 订单簿服务回来的响应和事件
	case protocol.MsgBookInsertOrderResponse:
		var resp protocol.BookInsertOrderResponse
		if s.decode(ctx, env, &resp) {
			s.handleBookInsertResp(ctx, &resp)
		}
	case protocol.MsgBookCancelOrderResponse:
		var resp protocol.BookCancelOrderResponse
		if s.decode(ctx, env, &resp) {
			s.handleBookCancelResp(ctx, &resp)
		}
	case protocol.MsgOnTrade:
		var ev protocol.OnTrade
		if s.decode(ctx, env, &ev) {
			s.handleOnTrade(ctx, &ev)
		}
	case protocol.MsgOnInstrument:
		var ev protocol.OnInstrument
		if s.decode(ctx, env, &ev) {
			s.handleOnInstrument(ctx, &ev)
		}

	// 订单簿的其他广播和登录回执不用管
	case protocol.MsgLoginResponse,
		protocol.MsgOnOrderBookCreated,
		protocol.MsgOnOrderInserted,
		protocol.MsgOnOrderCancelled:

	default:
		logger.Warn(ctx, "unexpected message type",
			zap.Uint32("msg_type", uint32(env.Type)),
			zap.Uint64("conn_id", env.Conn.ID()),
		)
	}
}

func (s *Service) handleLogin(ctx context.Context, env netio.Envelope, req *protocol.LoginRequest) {
	if req.Username == "" {
		s.reply(env.Conn, protocol.MsgLoginResponse, &protocol.LoginResponse{
			RequestID:    req.RequestID,
			ErrorMessage: "username required",
		})
		return
	}
	s.sessions[env.Conn.ID()] = req.Username
	logger.Info(ctx, "user logged in",
		zap.Uint64("conn_id", env.Conn.ID()),
		zap.String("username", req.Username),
	)
	s.reply(env.Conn, protocol.MsgLoginResponse, &protocol.LoginResponse{RequestID: req.RequestID})
}

func (s *Service) handleInsert(ctx context.Context, env netio.Envelope, req *protocol.InsertOrderRequest) {
	username, ok := s.sessions[env.Conn.ID()]
	if !ok {
		s.rejectInsert(env.Conn, req.RequestID, xerr.NotLoggedIn, xerr.MapErrMsg(xerr.NotLoggedIn))
		return
	}
	inst, ok := s.instruments[req.InstrumentSymbol]
	if !ok {
		s.rejectInsert(env.Conn, req.RequestID, xerr.UnknownInstrument,
			fmt.Sprintf("unknown instrument %s", req.InstrumentSymbol))
		return
	}
	if s.bookConn == nil {
		s.rejectInsert(env.Conn, req.RequestID, xerr.TransportError, "order book service unavailable")
		return
	}
	if len(s.pendingInserts)+len(s.pendingCancels) >= s.maxInflight {
		s.rejectInsert(env.Conn, req.RequestID, xerr.TransportError, "too many requests in flight")
		return
	}

	u := s.user(username)
	if code := u.admitInsert(req.InstrumentSymbol, req.Quantity, req.Price); code != xerr.OK {
		s.rejectInsert(env.Conn, req.RequestID, code, xerr.MapErrMsg(code))
		return
	}

	// 预留：先占 outstanding，失败路径全部归还
	u.outstanding += req.Quantity

	corrID := s.nextCorr()
	s.pendingInserts[corrID] = &pendingInsert{
		conn:     env.Conn,
		req:      *req,
		username: username,
		bookID:   inst.orderBookID,
		deadline: s.now().Add(s.forwardTimeout),
	}

	err := s.bookConn.Send(protocol.MsgBookInsertOrderRequest, &protocol.BookInsertOrderRequest{
		RequestID:   corrID,
		OrderBookID: inst.orderBookID,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
		OnBehalfOf:  username,
	})
	if err != nil {
		delete(s.pendingInserts, corrID)
		u.outstanding -= req.Quantity
		s.rejectInsert(env.Conn, req.RequestID, xerr.TransportError, "order book service unavailable")
		logger.Error(ctx, "forward insert failed", zap.Error(err))
	}
}

func (s *Service) handleCancel(ctx context.Context, env netio.Envelope, req *protocol.CancelOrderRequest) {
	username, ok := s.sessions[env.Conn.ID()]
	if !ok {
		s.replyCancel(env.Conn, req.RequestID, xerr.MapErrMsg(xerr.NotLoggedIn))
		return
	}
	inst, ok := s.instruments[req.InstrumentSymbol]
	if !ok {
		s.replyCancel(env.Conn, req.RequestID, fmt.Sprintf("unknown instrument %s", req.InstrumentSymbol))
		return
	}
	key := orderKey{orderBookID: inst.orderBookID, orderID: req.OrderID}
	rec := s.orders[key]
	// 不是本人的单当不存在处理
	if rec == nil || rec.username != username {
		s.replyCancel(env.Conn, req.RequestID, fmt.Sprintf("order %d not found", req.OrderID))
		return
	}
	if s.bookConn == nil {
		s.replyCancel(env.Conn, req.RequestID, "order book service unavailable")
		return
	}
	if len(s.pendingInserts)+len(s.pendingCancels) >= s.maxInflight {
		s.replyCancel(env.Conn, req.RequestID, "too many requests in flight")
		return
	}

	corrID := s.nextCorr()
	s.pendingCancels[corrID] = &pendingCancel{
		conn:     env.Conn,
		req:      *req,
		username: username,
		key:      key,
		deadline: s.now().Add(s.forwardTimeout),
	}
	err := s.bookConn.Send(protocol.MsgBookCancelOrderRequest, &protocol.BookCancelOrderRequest{
		RequestID:   corrID,
		OrderBookID: inst.orderBookID,
		OrderID:     req.OrderID,
	})
	if err != nil {
		delete(s.pendingCancels, corrID)
		s.replyCancel(env.Conn, req.RequestID, "order book service unavailable")
		logger.Error(ctx, "forward cancel failed", zap.Error(err))
	}
}

func (s *Service) handleBookInsertResp(ctx context.Context, resp *protocol.BookInsertOrderResponse) {
	p, ok := s.pendingInserts[resp.RequestID]
	if !ok {
		// 编程不变量破坏：只丢这条响应，别的状态不动
		logger.Error(ctx, "insert response for unknown correlation id",
			zap.Uint64("correlation_id", resp.RequestID))
		return
	}
	delete(s.pendingInserts, resp.RequestID)

	if resp.ErrorMessage != "" {
		s.user(p.username).outstanding -= p.req.Quantity
		s.reply(p.conn, protocol.MsgInsertOrderResponse, &protocol.InsertOrderResponse{
			RequestID:    p.req.RequestID,
			ErrorMessage: resp.ErrorMessage,
		})
		return
	}

	// 登记全量；成交扣减走 OnTrade（同一条连接上在响应之后到）
	s.orders[orderKey{orderBookID: p.bookID, orderID: resp.OrderID}] = &orderRec{
		username:  p.username,
		symbol:    p.req.InstrumentSymbol,
		remaining: p.req.Quantity,
	}
	s.reply(p.conn, protocol.MsgInsertOrderResponse, &protocol.InsertOrderResponse{
		RequestID:      p.req.RequestID,
		OrderID:        resp.OrderID,
		Timestamp:      resp.Timestamp,
		TradeIDs:       resp.TradeIDs,
		TradedQuantity: resp.TradedQuantity,
	})
}

func (s *Service) handleBookCancelResp(ctx context.Context, resp *protocol.BookCancelOrderResponse) {
	p, ok := s.pendingCancels[resp.RequestID]
	if !ok {
		logger.Error(ctx, "cancel response for unknown correlation id",
			zap.Uint64("correlation_id", resp.RequestID))
		return
	}
	delete(s.pendingCancels, resp.RequestID)

	if resp.ErrorMessage == "" {
		// 撤单成功：按登记的剩余量归还预留
		if rec := s.orders[p.key]; rec != nil {
			s.user(rec.username).outstanding -= rec.remaining
			delete(s.orders, p.key)
		}
	}
	s.replyCancel(p.conn, p.req.RequestID, resp.ErrorMessage)
}

// handleOnTrade 成交同时扣买卖双方的在簿量
func (s *Service) handleOnTrade(ctx context.Context, ev *protocol.OnTrade) {
	for _, oid := range [2]uint64{ev.BuyOrderID, ev.SellOrderID} {
		key := orderKey{orderBookID: ev.OrderBookID, orderID: oid}
		rec := s.orders[key]
		if rec == nil {
			continue
		}
		rec.remaining -= ev.Quantity
		s.user(rec.username).outstanding -= ev.Quantity
		if rec.remaining <= 0 {
			delete(s.orders, key)
		}
	}
}

// handleOnInstrument 行情服务广播的新标的，按 symbol 幂等
func (s *Service) handleOnInstrument(ctx context.Context, ev *protocol.OnInstrument) {
	symbol := ev.Instrument.Symbol
	if _, ok := s.instruments[symbol]; ok {
		return
	}
	s.instruments[symbol] = instrumentInfo{orderBookID: ev.OrderBookID, tickSize: ev.TickSize}
	s.symbolByBook[ev.OrderBookID] = symbol
	logger.Info(ctx, "instrument registered",
		zap.String("symbol", symbol),
		zap.Uint64("order_book_id", ev.OrderBookID),
	)
}

func (s *Service) handleGetUserLimits(env netio.Envelope, req *protocol.GetUserRiskLimitsRequest) {
	username, ok := s.sessions[env.Conn.ID()]
	if !ok {
		s.reply(env.Conn, protocol.MsgGetUserRiskLimitsResponse, &protocol.GetUserRiskLimitsResponse{
			RequestID: req.RequestID, ErrorMessage: xerr.MapErrMsg(xerr.NotLoggedIn),
		})
		return
	}
	s.reply(env.Conn, protocol.MsgGetUserRiskLimitsResponse, &protocol.GetUserRiskLimitsResponse{
		RequestID:      req.RequestID,
		UserRiskLimits: s.user(username).limits,
	})
}

func (s *Service) handleSetUserLimits(env netio.Envelope, req *protocol.SetUserRiskLimitsRequest) {
	username, ok := s.sessions[env.Conn.ID()]
	if !ok {
		s.reply(env.Conn, protocol.MsgSetUserRiskLimitsResponse, &protocol.SetUserRiskLimitsResponse{
			RequestID: req.RequestID, ErrorMessage: xerr.MapErrMsg(xerr.NotLoggedIn),
		})
		return
	}
	s.user(username).applyUserLimits(req.UserRiskLimits, s.now)
	s.reply(env.Conn, protocol.MsgSetUserRiskLimitsResponse, &protocol.SetUserRiskLimitsResponse{
		RequestID: req.RequestID,
	})
}

func (s *Service) handleGetInstrumentLimits(env netio.Envelope, req *protocol.GetInstrumentRiskLimitsRequest) {
	username, ok := s.sessions[env.Conn.ID()]
	if !ok {
		s.reply(env.Conn, protocol.MsgGetInstrumentRiskLimitsResponse, &protocol.GetInstrumentRiskLimitsResponse{
			RequestID: req.RequestID, ErrorMessage: xerr.MapErrMsg(xerr.NotLoggedIn),
		})
		return
	}
	u := s.user(username)
	out := make(map[string]protocol.InstrumentRiskLimits, len(u.byInstrument))
	for symbol, is := range u.byInstrument {
		out[symbol] = is.limits
	}
	s.reply(env.Conn, protocol.MsgGetInstrumentRiskLimitsResponse, &protocol.GetInstrumentRiskLimitsResponse{
		RequestID:              req.RequestID,
		RiskLimitsByInstrument: out,
	})
}

func (s *Service) handleSetInstrumentLimits(env netio.Envelope, req *protocol.SetInstrumentRiskLimitsRequest) {
	username, ok := s.sessions[env.Conn.ID()]
	if !ok {
		s.reply(env.Conn, protocol.MsgSetInstrumentRiskLimitsResponse, &protocol.SetInstrumentRiskLimitsResponse{
			RequestID: req.RequestID, ErrorMessage: xerr.MapErrMsg(xerr.NotLoggedIn),
		})
		return
	}
	if _, ok := s.instruments[req.InstrumentSymbol]; !ok {
		s.reply(env.Conn, protocol.MsgSetInstrumentRiskLimitsResponse, &protocol.SetInstrumentRiskLimitsResponse{
			RequestID:    req.RequestID,
			ErrorMessage: fmt.Sprintf("unknown instrument %s", req.InstrumentSymbol),
		})
		return
	}
	s.user(username).applyInstrumentLimits(req.InstrumentSymbol, req.InstrumentRiskLimits, s.now)
	s.reply(env.Conn, protocol.MsgSetInstrumentRiskLimitsResponse, &protocol.SetInstrumentRiskLimitsResponse{
		RequestID: req.RequestID,
	})
}

// Sweep 把超时的在途请求清掉：归还预留，给原请求方报超时
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()
	for corrID, p := range s.pendingInserts {
		if now.Before(p.deadline) {
			continue
		}
		delete(s.pendingInserts, corrID)
		s.user(p.username).outstanding -= p.req.Quantity
		metrics.OrdersRejected.WithLabelValues(serviceName, xerr.Reason(xerr.DownstreamTimeout)).Inc()
		s.reply(p.conn, protocol.MsgInsertOrderResponse, &protocol.InsertOrderResponse{
			RequestID:    p.req.RequestID,
			ErrorMessage: xerr.MapErrMsg(xerr.DownstreamTimeout),
		})
		logger.Warn(ctx, "forwarded insert timed out",
			zap.Uint64("correlation_id", corrID),
			zap.String("username", p.username),
		)
	}
	for corrID, p := range s.pendingCancels {
		if now.Before(p.deadline) {
			continue
		}
		delete(s.pendingCancels, corrID)
		s.replyCancel(p.conn, p.req.RequestID, xerr.MapErrMsg(xerr.DownstreamTimeout))
		logger.Warn(ctx, "forwarded cancel timed out",
			zap.Uint64("correlation_id", corrID),
			zap.String("username", p.username),
		)
	}
}

// failAllPending 订单簿连接没了，在途全部按传输错误收场
func (s *Service) failAllPending(ctx context.Context, msg string) {
	for corrID, p := range s.pendingInserts {
		delete(s.pendingInserts, corrID)
		s.user(p.username).outstanding -= p.req.Quantity
		s.reply(p.conn, protocol.MsgInsertOrderResponse, &protocol.InsertOrderResponse{
			RequestID:    p.req.RequestID,
			ErrorMessage: msg,
		})
	}
	for corrID, p := range s.pendingCancels {
		delete(s.pendingCancels, corrID)
		s.replyCancel(p.conn, p.req.RequestID, msg)
	}
}

func (s *Service) user(username string) *userState {
	u, ok := s.users[username]
	if !ok {
		u = newUserState(username)
		u.applyUserLimits(s.defaultLimits, s.now)
		s.users[username] = u
	}
	return u
}

func (s *Service) nextCorr() uint64 {
	s.nextCorrID++
	return s.nextCorrID
}

func (s *Service) rejectInsert(c *netio.Conn, requestID uint64, code int, msg string) {
	metrics.OrdersRejected.WithLabelValues(serviceName, xerr.Reason(code)).Inc()
	s.reply(c, protocol.MsgInsertOrderResponse, &protocol.InsertOrderResponse{
		RequestID:    requestID,
		ErrorMessage: msg,
	})
}

func (s *Service) replyCancel(c *netio.Conn, requestID uint64, errMsg string) {
	s.reply(c, protocol.MsgCancelOrderResponse, &protocol.CancelOrderResponse{
		RequestID:    requestID,
		ErrorMessage: errMsg,
	})
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
		logger.Warn(context.Background(), "reply failed",
			zap.Uint64("conn_id", c.ID()),
			zap.Error(err),
		)
	}
}
