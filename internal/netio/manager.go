package netio

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
	"gomex.com/pkg/safe"
)

var (
	ErrConnClosed    = errors.New("netio: connection closed")
	ErrSendQueueFull = errors.New("netio: send queue full")
)

type EnvelopeKind uint8

const (
	EnvData EnvelopeKind = iota + 1
	EnvOpened
	EnvClosed
)

// Envelope 投进 service loop 的一条事件：
// 新连接 / 断开 / 一帧完整消息
type Envelope struct {
	Kind    EnvelopeKind
	Conn    *Conn
	Type    protocol.MsgType
	Payload []byte
}

// Manager 持有所有连接，mailbox 是唯一出口。
// 一个服务实例一个 Manager + 一个 loop 协程，对应原来的 reactor。
type Manager struct {
	service   string
	mailbox   chan Envelope
	sendBuf   int
	writeWait time.Duration

	mu        sync.Mutex
	conns     map[uint64]*Conn
	listeners []net.Listener
	nextID    uint64
}

func NewManager(service string, mailboxSize int) *Manager {
	if mailboxSize <= 0 {
		mailboxSize = 4096
	}
	return &Manager{
		service:   service,
		mailbox:   make(chan Envelope, mailboxSize),
		sendBuf:   1024,
		writeWait: 5 * time.Second,
		conns:     make(map[uint64]*Conn, 64),
	}
}

// Mailbox service loop 从这里消费
func (m *Manager) Mailbox() <-chan Envelope { return m.mailbox }

// Listen 启动监听，返回实际绑定地址（端口 0 时有用）
func (m *Manager) Listen(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	logger.Info(ctx, "listening", zap.String("addr", ln.Addr().String()))

	safe.Go(func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				// 监听被关掉，accept 协程退出
				return
			}
			c := m.track(raw)
			m.mailbox <- Envelope{Kind: EnvOpened, Conn: c}
		}
	})
	return ln.Addr(), nil
}

// Dial 主动连接下游服务（风控→订单簿、行情→订单簿）
func (m *Manager) Dial(ctx context.Context, addr string) (*Conn, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "connected", zap.String("addr", addr))
	return m.track(raw), nil
}

func (m *Manager) track(raw net.Conn) *Conn {
	m.mu.Lock()
	m.nextID++
	c := &Conn{
		id:   m.nextID,
		raw:  raw,
		mgr:  m,
		send: make(chan []byte, m.sendBuf),
		done: make(chan struct{}),
	}
	m.conns[c.id] = c
	n := len(m.conns)
	m.mu.Unlock()

	metrics.ConnsActive.WithLabelValues(m.service).Set(float64(n))

	safe.Go(c.writeLoop)
	safe.Go(c.readLoop)
	return c
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	n := len(m.conns)
	m.mu.Unlock()
	metrics.ConnsActive.WithLabelValues(m.service).Set(float64(n))
}

// Broadcast 把同一条消息发给当前所有连接（推送事件用）。
// 编帧一次，逐连接入队；慢对端只影响它自己。
func (m *Manager) Broadcast(msgType protocol.MsgType, v interface{}) {
	frame, err := protocol.Encode(msgType, v)
	if err != nil {
		logger.Error(context.Background(), "broadcast encode failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.enqueue(frame)
	}
}

// Shutdown 关监听和所有连接
func (m *Manager) Shutdown() {
	m.mu.Lock()
	lns := m.listeners
	m.listeners = nil
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, ln := range lns {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}
