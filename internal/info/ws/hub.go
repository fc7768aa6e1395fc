package ws

import "sync"

// Hub topic → 订阅连接集合，另存每个 topic 的最新一帧做快照回放。
// 被服务 loop 协程和各连接协程并发访问，所以这里要锁。
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Conn]struct{}
	last map[string][]byte
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[*Conn]struct{}, 256),
		last: make(map[string][]byte, 256),
	}
}

func (h *Hub) Subscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		set := h.subs[t]
		if set == nil {
			set = make(map[*Conn]struct{}, 16)
			h.subs[t] = set
		}
		set[c] = struct{}{}
	}
	// 快照在同一把锁里取，订阅后紧跟的 publish 不会丢
	snaps := make([]Message, 0, len(topics))
	for _, t := range topics {
		if b := h.last[t]; b != nil {
			snaps = append(snaps, Message{Topic: t, Payload: b})
		}
	}
	h.mu.Unlock()

	// 立即回放最新快照
	for _, s := range snaps {
		c.Offer(s.Topic, s.Payload)
	}
}

type Message struct {
	Topic   string
	Payload []byte
}

func (h *Hub) Unsubscribe(c *Conn, topics []string) {
	h.mu.Lock()
	for _, t := range topics {
		if set := h.subs[t]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) RemoveConn(c *Conn) {
	h.mu.Lock()
	for topic, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, topic)
		}
	}
	h.mu.Unlock()
}

// Publish 非阻塞 fanout，慢客户端只会丢自己的旧帧
func (h *Hub) Publish(topic string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	h.mu.Lock()
	h.last[topic] = cp
	set := h.subs[topic]
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Offer(topic, cp)
	}
}
