package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/safe"
)

// Conn 一个 websocket 订阅者。
// LatestOnly：每个 topic 只留最后一帧，notify 合并唤醒写协程。
// 行情是状态流不是事件流，丢中间帧没关系，最新帧到了就行。
type Conn struct {
	ws  *websocket.Conn
	hub *Hub

	mu     sync.Mutex
	latest map[string][]byte
	notify chan struct{}
	closed atomic.Bool
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	return &Conn{
		ws:     ws,
		hub:    h,
		latest: make(map[string][]byte, 16),
		notify: make(chan struct{}, 1),
	}
}

// Offer 覆盖该 topic 的待发帧并唤醒写协程，永不阻塞
func (c *Conn) Offer(topic string, payload []byte) {
	if c.closed.Load() {
		return
	}
	c.mu.Lock()
	c.latest[topic] = payload
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) flushLatest(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.latest) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(c.latest))
	for topic, payload := range c.latest {
		out = append(out, payload)
		delete(c.latest, topic)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Server http.Handler，把升级后的连接挂进 Hub
type Server struct {
	Hub      *Hub
	Upgrader websocket.Upgrader

	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
	ReadLimit  int64

	ctx context.Context
}

func NewServer(ctx context.Context, h *Hub) *Server {
	return &Server{
		Hub: h,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		WriteWait:  5 * time.Second,
		ReadLimit:  1 << 10,
		ctx:        ctx,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(s.Hub, wsConn)
	safe.Go(func() { s.writePump(c) })
	safe.Go(func() { s.readPump(c) })
}

// 读协程只处理 sub/unsub 和 pong
func (s *Server) readPump(c *Conn) {
	defer func() {
		c.closed.Store(true)
		c.hub.RemoveConn(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(s.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.PongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			logger.Debug(context.Background(), "ws closed", zap.Error(err))
			return
		}
		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "sub":
			c.hub.Subscribe(c, msg.Topics)
		case "unsub":
			c.hub.Unsubscribe(c, msg.Topics)
		}
	}
}

// 单次最多写多少条，订阅 topic 极多时别一次写爆
const maxFlush = 256

func (s *Server) writePump(c *Conn) {
	ticker := time.NewTicker(s.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closed.Store(true)
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.notify:
			batch := c.flushLatest(maxFlush)
			if len(batch) == 0 {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.WriteWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			for i, payload := range batch {
				if i > 0 {
					// 换行分隔多条 JSON
					if _, err := w.Write([]byte("\n")); err != nil {
						_ = w.Close()
						return
					}
				}
				if _, err := w.Write(payload); err != nil {
					_ = w.Close()
					return
				}
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteWait)); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
