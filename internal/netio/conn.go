package netio

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
)

// Conn 一条已建立的对端连接。
// 读协程只做拆帧，写协程只做发送，业务状态都在 service loop 里。
type Conn struct {
	id   uint64
	raw  net.Conn
	mgr  *Manager
	send chan []byte
	done chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() string {
	if c.raw == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

// Send 编帧后非阻塞入队。慢对端把队列塞满时直接断开，
// 绝不让 service loop 等它。
func (c *Conn) Send(msgType protocol.MsgType, v interface{}) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	frame, err := protocol.Encode(msgType, v)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		metrics.FramesDropped.WithLabelValues(c.mgr.service).Inc()
		logger.Warn(context.Background(), "send queue full, dropping connection",
			zap.Uint64("conn_id", c.id),
			zap.String("remote", c.RemoteAddr()),
		)
		c.Close()
		return ErrSendQueueFull
	}
}

// Close 幂等关闭。读协程随后会因读错误退出并上报 EnvClosed。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.raw.Close()
	})
}

// 写协程：串行刷出发送队列
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.raw.SetWriteDeadline(time.Now().Add(c.mgr.writeWait))
			if _, err := c.raw.Write(frame); err != nil {
				logger.Warn(context.Background(), "write failed",
					zap.Uint64("conn_id", c.id),
					zap.Error(err),
				)
				c.Close()
				return
			}
		}
	}
}

// 读协程：拆帧后全部投进 mailbox，由 loop 串行处理。
// 这里阻塞投递：背压顺着 TCP 传回对端，消息顺序不乱。
func (c *Conn) readLoop() {
	r := bufio.NewReaderSize(c.raw, 64<<10)
	for {
		msgType, payload, err := protocol.ReadFrame(r)
		if err != nil {
			// 只影响这条连接，进程继续跑
			logger.Debug(context.Background(), "connection closed",
				zap.Uint64("conn_id", c.id),
				zap.Error(err),
			)
			c.Close()
			c.mgr.remove(c)
			c.mgr.mailbox <- Envelope{Kind: EnvClosed, Conn: c}
			return
		}
		c.mgr.mailbox <- Envelope{Kind: EnvData, Conn: c, Type: msgType, Payload: payload}
	}
}
