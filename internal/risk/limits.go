package risk

import (
	"github.com/shopspring/decimal"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/rollwin"
	"gomex.com/pkg/xerr"
)

// userState 一个用户的全部风控状态。
// 配置值为零表示不限；窗口惰性创建，断线不清。
type userState struct {
	name string

	limits      protocol.UserRiskLimits
	msgRate     *rollwin.RateWindow
	outstanding int64 // 在簿未成交总量（含在途预留）

	byInstrument map[string]*instrumentState
}

// instrumentState (user, instrument) 维度的滚动限额
type instrumentState struct {
	limits   protocol.InstrumentRiskLimits
	qty      *rollwin.SumWindow
	notional *rollwin.SumWindow
}

func newUserState(name string) *userState {
	return &userState{
		name:         name,
		byInstrument: make(map[string]*instrumentState, 4),
	}
}

// applyUserLimits 换配置就换新窗口，旧账不带过来
func (u *userState) applyUserLimits(l protocol.UserRiskLimits, clock rollwin.Clock) {
	u.limits = l
	u.msgRate = rateWindowOf(l.MessageRateRollingLimit, clock)
}

func (u *userState) applyInstrumentLimits(symbol string, l protocol.InstrumentRiskLimits, clock rollwin.Clock) {
	u.byInstrument[symbol] = &instrumentState{
		limits:   l,
		qty:      sumWindowOf(l.OrderQuantityRollingLimit, clock),
		notional: sumWindowOf(l.OrderAmountRollingLimit, clock),
	}
}

// admitInsert 按固定顺序做准入检查，第一个违规即返回对应错误码。
// 速率窗口在通过时记账（这条消息确实处理了）；
// 数量/金额两个窗口先一起判再一起记，不留半截。
func (u *userState) admitInsert(symbol string, quantity int64, price decimal.Decimal) int {
	if u.msgRate != nil && !u.msgRate.AllowAction() {
		return xerr.RateLimitExceeded
	}

	if u.limits.MaxOutstandingQuantity > 0 &&
		u.outstanding+quantity > u.limits.MaxOutstandingQuantity {
		return xerr.OutstandingLimit
	}

	is := u.byInstrument[symbol]
	if is == nil {
		return xerr.OK
	}
	qty := decimal.NewFromInt(quantity)
	notional := price.Mul(qty)
	if is.qty != nil && !is.qty.WouldAllow(qty) {
		return xerr.QuantityLimit
	}
	if is.notional != nil && !is.notional.WouldAllow(notional) {
		return xerr.NotionalLimit
	}
	if is.qty != nil {
		is.qty.Record(qty)
	}
	if is.notional != nil {
		is.notional.Record(notional)
	}
	return xerr.OK
}

// 配置不完整（限额或窗口非正）等价于不限
func rateWindowOf(l protocol.RollingWindowLimit, clock rollwin.Clock) *rollwin.RateWindow {
	if l.Limit.Sign() <= 0 || l.WindowInSeconds <= 0 {
		return nil
	}
	w := rollwin.NewRate(int(l.Limit.IntPart()), l.WindowInSeconds)
	if clock != nil {
		w.WithClock(clock)
	}
	return w
}

func sumWindowOf(l protocol.RollingWindowLimit, clock rollwin.Clock) *rollwin.SumWindow {
	if l.Limit.Sign() <= 0 || l.WindowInSeconds <= 0 {
		return nil
	}
	w := rollwin.NewSum(l.Limit, l.WindowInSeconds)
	if clock != nil {
		w.WithClock(clock)
	}
	return w
}
