package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/segmentio/encoding/json"
)

// 帧格式（大端）：[4字节总长][4字节消息类型][payload]
// 总长 = len(payload) + 4，包含类型字段、不含自身。

const (
	sizeBytes = 4
	typeBytes = 4

	// MaxFrameSize 超过即视为协议破坏，断开连接
	MaxFrameSize = 1 << 20
)

type MsgType uint32

const (
	// 共用
	MsgLoginRequest  MsgType = 1
	MsgLoginResponse MsgType = 2

	// 风控服务（准入）
	MsgInsertOrderRequest              MsgType = 100
	MsgInsertOrderResponse             MsgType = 101
	MsgCancelOrderRequest              MsgType = 102
	MsgCancelOrderResponse             MsgType = 103
	MsgGetUserRiskLimitsRequest        MsgType = 104
	MsgGetUserRiskLimitsResponse       MsgType = 105
	MsgSetUserRiskLimitsRequest        MsgType = 106
	MsgSetUserRiskLimitsResponse       MsgType = 107
	MsgGetInstrumentRiskLimitsRequest  MsgType = 108
	MsgGetInstrumentRiskLimitsResponse MsgType = 109
	MsgSetInstrumentRiskLimitsRequest  MsgType = 110
	MsgSetInstrumentRiskLimitsResponse MsgType = 111

	// 订单簿服务
	MsgCreateOrderBookRequest   MsgType = 200
	MsgCreateOrderBookResponse  MsgType = 201
	MsgBookInsertOrderRequest   MsgType = 202
	MsgBookInsertOrderResponse  MsgType = 203
	MsgBookCancelOrderRequest   MsgType = 204
	MsgBookCancelOrderResponse  MsgType = 205
	MsgOnOrderBookCreated       MsgType = 210
	MsgOnOrderInserted          MsgType = 211
	MsgOnOrderCancelled         MsgType = 212
	MsgOnTrade                  MsgType = 213

	// 行情服务
	MsgCreateInstrumentRequest     MsgType = 300
	MsgCreateInstrumentResponse    MsgType = 301
	MsgOrderBookSubscribeRequest   MsgType = 302
	MsgOrderBookSubscribeResponse  MsgType = 303
	MsgOnInstrument                MsgType = 310
	MsgOnTopOfBook                 MsgType = 311
	MsgOnPriceDepthBook            MsgType = 312
	MsgOnInstrumentTrade           MsgType = 313
)

// Marshal 统一的 payload 编码（segmentio 的 json，encoding/json 的快速替代）
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Encode 编出一整帧
func Encode(msgType MsgType, v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	return AppendFrame(nil, msgType, payload), nil
}

// AppendFrame 把帧追加到 dst（dst 可为 nil）
func AppendFrame(dst []byte, msgType MsgType, payload []byte) []byte {
	total := uint32(len(payload) + typeBytes)
	dst = binary.BigEndian.AppendUint32(dst, total)
	dst = binary.BigEndian.AppendUint32(dst, uint32(msgType))
	return append(dst, payload...)
}

// ReadFrame 从流中读出一帧。io.ReadFull 会把 TCP 的 short read
// 拼成完整帧（长度前缀满足前一直积累），不依赖“一次可读事件=一帧”。
func ReadFrame(r io.Reader) (MsgType, []byte, error) {
	var head [sizeBytes]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	total := binary.BigEndian.Uint32(head[:])
	if total < typeBytes {
		return 0, nil, fmt.Errorf("protocol: frame length %d too small", total)
	}
	if total > MaxFrameSize {
		return 0, nil, fmt.Errorf("protocol: frame length %d exceeds max %d", total, MaxFrameSize)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		// 头读到了但 body 没读全，流已经坏了
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	msgType := MsgType(binary.BigEndian.Uint32(body[:typeBytes]))
	return msgType, body[typeBytes:], nil
}
