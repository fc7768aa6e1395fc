// Package ws 行情服务的 websocket 旁路：外部消费者订阅
// "tob:{symbol}" / "depth:{symbol}" / "trade:{symbol}"，
// 服务把对应事件的 JSON 原样推过来。
package ws

// ClientMsg 客户端唯二的两种操作
type ClientMsg struct {
	Type   string   `json:"type"` // "sub" | "unsub"
	Topics []string `json:"topics"`
}

// TOB / 深度 / 成交的 topic 前缀
const (
	TopicTOB   = "tob:"
	TopicDepth = "depth:"
	TopicTrade = "trade:"
)
