package orderbook

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gomex.com/internal/netio"
	"gomex.com/internal/protocol"
)

// 起一个真实监听的服务实例，测试走 TCP 全链路
func startService(t *testing.T) string {
	t.Helper()
	mgr := netio.NewManager(serviceName, 64)
	svc := NewService(mgr).WithClock(func() time.Time { return time.Unix(1700000000, 0) })

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := mgr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	go svc.Run(ctx)

	t.Cleanup(func() {
		cancel()
		mgr.Shutdown()
	})
	return addr.String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(msgType protocol.MsgType, v interface{}) {
	c.t.Helper()
	frame, err := protocol.Encode(msgType, v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
}

func (c *testClient) recv(want protocol.MsgType, v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	msgType, payload, err := protocol.ReadFrame(c.r)
	require.NoError(c.t, err)
	require.Equal(c.t, want, msgType)
	require.NoError(c.t, protocol.Unmarshal(payload, v))
}

func TestService_CreateInsertCancelFlow(t *testing.T) {
	addr := startService(t)
	risk := dialClient(t, addr)
	info := dialClient(t, addr)

	// 建簿
	risk.send(protocol.MsgCreateOrderBookRequest, &protocol.CreateOrderBookRequest{
		RequestID: 1, TickSize: d("0.5"),
	})
	var createResp protocol.CreateOrderBookResponse
	risk.recv(protocol.MsgCreateOrderBookResponse, &createResp)
	require.Empty(t, createResp.ErrorMessage)
	require.Equal(t, uint64(1), createResp.OrderBookID)

	// 双方都收到建簿事件
	var created protocol.OnOrderBookCreated
	risk.recv(protocol.MsgOnOrderBookCreated, &created)
	require.Equal(t, "0.5", created.TickSize.String())
	info.recv(protocol.MsgOnOrderBookCreated, &created)
	require.Equal(t, uint64(1), created.OrderBookID)

	// 挂 SELL 10 @ 100
	risk.send(protocol.MsgBookInsertOrderRequest, &protocol.BookInsertOrderRequest{
		RequestID: 2, OrderBookID: 1, Side: protocol.SideSell, Price: d("100.0"), Quantity: 10,
	})
	var insResp protocol.BookInsertOrderResponse
	risk.recv(protocol.MsgBookInsertOrderResponse, &insResp)
	require.Empty(t, insResp.ErrorMessage)
	require.Equal(t, uint64(1), insResp.OrderID)
	require.Empty(t, insResp.TradeIDs)

	var inserted protocol.OnOrderInserted
	risk.recv(protocol.MsgOnOrderInserted, &inserted)
	info.recv(protocol.MsgOnOrderInserted, &inserted)
	require.Equal(t, int64(10), inserted.Quantity)

	// BUY 5 @ 100.5 跨价成交
	risk.send(protocol.MsgBookInsertOrderRequest, &protocol.BookInsertOrderRequest{
		RequestID: 3, OrderBookID: 1, Side: protocol.SideBuy, Price: d("100.5"), Quantity: 5,
	})
	risk.recv(protocol.MsgBookInsertOrderResponse, &insResp)
	require.Empty(t, insResp.ErrorMessage)
	require.Equal(t, int64(5), insResp.TradedQuantity)
	require.Len(t, insResp.TradeIDs, 1)

	// 事件顺序：先挂单事件（剩余 0），再成交
	risk.recv(protocol.MsgOnOrderInserted, &inserted)
	require.Equal(t, int64(0), inserted.Quantity)
	var trade protocol.OnTrade
	risk.recv(protocol.MsgOnTrade, &trade)
	require.Equal(t, "100", trade.Price.String())
	require.Equal(t, int64(5), trade.Quantity)
	require.Equal(t, protocol.SideBuy, trade.AggressorSide)

	info.recv(protocol.MsgOnOrderInserted, &inserted)
	info.recv(protocol.MsgOnTrade, &trade)
	require.Equal(t, uint64(1), trade.SellOrderID)

	// 撤掉卖单剩余
	risk.send(protocol.MsgBookCancelOrderRequest, &protocol.BookCancelOrderRequest{
		RequestID: 4, OrderBookID: 1, OrderID: 1,
	})
	var cxlResp protocol.BookCancelOrderResponse
	risk.recv(protocol.MsgBookCancelOrderResponse, &cxlResp)
	require.Empty(t, cxlResp.ErrorMessage)

	var cancelled protocol.OnOrderCancelled
	risk.recv(protocol.MsgOnOrderCancelled, &cancelled)
	require.Equal(t, uint64(1), cancelled.OrderID)
	info.recv(protocol.MsgOnOrderCancelled, &cancelled)

	// 再撤一次：已经不在
	risk.send(protocol.MsgBookCancelOrderRequest, &protocol.BookCancelOrderRequest{
		RequestID: 5, OrderBookID: 1, OrderID: 1,
	})
	risk.recv(protocol.MsgBookCancelOrderResponse, &cxlResp)
	require.Contains(t, cxlResp.ErrorMessage, "not found")
}

func TestService_RejectsKeepQuiet(t *testing.T) {
	addr := startService(t)
	risk := dialClient(t, addr)

	risk.send(protocol.MsgCreateOrderBookRequest, &protocol.CreateOrderBookRequest{
		RequestID: 1, TickSize: d("0.5"),
	})
	var createResp protocol.CreateOrderBookResponse
	risk.recv(protocol.MsgCreateOrderBookResponse, &createResp)
	var created protocol.OnOrderBookCreated
	risk.recv(protocol.MsgOnOrderBookCreated, &created)

	// tick 违规：只有错误响应，没有任何广播事件
	risk.send(protocol.MsgBookInsertOrderRequest, &protocol.BookInsertOrderRequest{
		RequestID: 2, OrderBookID: 1, Side: protocol.SideBuy, Price: d("100.3"), Quantity: 5,
	})
	var insResp protocol.BookInsertOrderResponse
	risk.recv(protocol.MsgBookInsertOrderResponse, &insResp)
	require.Contains(t, insResp.ErrorMessage, "tick size")

	// 未知簿
	risk.send(protocol.MsgBookInsertOrderRequest, &protocol.BookInsertOrderRequest{
		RequestID: 3, OrderBookID: 99, Side: protocol.SideBuy, Price: d("100.0"), Quantity: 5,
	})
	risk.recv(protocol.MsgBookInsertOrderResponse, &insResp)
	require.Contains(t, insResp.ErrorMessage, "unknown order book")

	// 紧跟一笔正常单，确认上面两笔没有留下广播
	risk.send(protocol.MsgBookInsertOrderRequest, &protocol.BookInsertOrderRequest{
		RequestID: 4, OrderBookID: 1, Side: protocol.SideBuy, Price: d("100.0"), Quantity: 5,
	})
	risk.recv(protocol.MsgBookInsertOrderResponse, &insResp)
	require.Empty(t, insResp.ErrorMessage)
	var inserted protocol.OnOrderInserted
	risk.recv(protocol.MsgOnOrderInserted, &inserted)
	require.Equal(t, insResp.OrderID, inserted.OrderID)
}

func TestService_InvalidTickSizeOnCreate(t *testing.T) {
	addr := startService(t)
	c := dialClient(t, addr)

	c.send(protocol.MsgCreateOrderBookRequest, &protocol.CreateOrderBookRequest{
		RequestID: 1, TickSize: d("0"),
	})
	var resp protocol.CreateOrderBookResponse
	c.recv(protocol.MsgCreateOrderBookResponse, &resp)
	require.Contains(t, resp.ErrorMessage, "positive")

	c.send(protocol.MsgCreateOrderBookRequest, &protocol.CreateOrderBookRequest{
		RequestID: 2, TickSize: d("-0.5"),
	})
	c.recv(protocol.MsgCreateOrderBookResponse, &resp)
	require.Contains(t, resp.ErrorMessage, "positive")
}

func TestService_LoginAccepted(t *testing.T) {
	addr := startService(t)
	c := dialClient(t, addr)

	c.send(protocol.MsgLoginRequest, &protocol.LoginRequest{RequestID: 7, Username: "risk-service"})
	var resp protocol.LoginResponse
	c.recv(protocol.MsgLoginResponse, &resp)
	require.Equal(t, uint64(7), resp.RequestID)
	require.Empty(t, resp.ErrorMessage)
}
