// Package broker 把行情服务的公开事件镜像给进程外消费者。
// topic 形如 "tob:AAPL" / "depth:AAPL" / "trade:AAPL" / "instrument"。
package broker

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
