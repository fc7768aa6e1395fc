package rollwin

import (
	"time"

	"github.com/shopspring/decimal"
)

// 滑动时间窗口限额，两个变体：
//   - RateWindow  按条数限（消息速率）
//   - SumWindow   按数值求和限（委托数量 / 名义金额）
//
// 读写前都先把窗口外的条目从队头逐出；被拒绝的动作不计入窗口。

// Clock 测试钩子，默认 time.Now
type Clock func() time.Time

// RateWindow 条数限额
type RateWindow struct {
	limit  int
	window time.Duration
	stamps []time.Time
	now    Clock
}

func NewRate(limit int, windowInSeconds int) *RateWindow {
	return &RateWindow{
		limit:  limit,
		window: time.Duration(windowInSeconds) * time.Second,
		now:    time.Now,
	}
}

// WithClock 注入时钟（测试用）
func (w *RateWindow) WithClock(c Clock) *RateWindow {
	w.now = c
	return w
}

// AllowAction 在限额内则记录本次动作并放行
func (w *RateWindow) AllowAction() bool {
	now := w.now()
	w.evict(now)
	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Count 当前窗口内条数（先逐出过期）
func (w *RateWindow) Count() int {
	w.evict(w.now())
	return len(w.stamps)
}

func (w *RateWindow) evict(now time.Time) {
	// 条目按时间追加，队头最老
	i := 0
	for i < len(w.stamps) && now.Sub(w.stamps[i]) > w.window {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

type sumEntry struct {
	ts     time.Time
	amount decimal.Decimal
}

// SumWindow 求和限额（数量或金额）
type SumWindow struct {
	limit   decimal.Decimal
	window  time.Duration
	entries []sumEntry
	total   decimal.Decimal
	now     Clock
}

func NewSum(limit decimal.Decimal, windowInSeconds int) *SumWindow {
	return &SumWindow{
		limit:  limit,
		window: time.Duration(windowInSeconds) * time.Second,
		now:    time.Now,
	}
}

func (w *SumWindow) WithClock(c Clock) *SumWindow {
	w.now = c
	return w
}

// AllowAction 窗口内总量 + amount 不超限则记录并放行
func (w *SumWindow) AllowAction(amount decimal.Decimal) bool {
	now := w.now()
	w.evict(now)
	if w.total.Add(amount).GreaterThan(w.limit) {
		return false
	}
	w.entries = append(w.entries, sumEntry{ts: now, amount: amount})
	w.total = w.total.Add(amount)
	return true
}

// WouldAllow 只做判断不记录。
// 多个窗口要同时通过才记账时，先逐个 WouldAllow 再逐个 Record，
// 避免前一个窗口先记了、后一个窗口又拒绝的半截状态。
func (w *SumWindow) WouldAllow(amount decimal.Decimal) bool {
	w.evict(w.now())
	return !w.total.Add(amount).GreaterThan(w.limit)
}

// Record 无条件记录（调用方已用 WouldAllow 判过）
func (w *SumWindow) Record(amount decimal.Decimal) {
	now := w.now()
	w.evict(now)
	w.entries = append(w.entries, sumEntry{ts: now, amount: amount})
	w.total = w.total.Add(amount)
}

// Total 当前窗口内总量（先逐出过期）
func (w *SumWindow) Total() decimal.Decimal {
	w.evict(w.now())
	return w.total
}

func (w *SumWindow) evict(now time.Time) {
	i := 0
	for i < len(w.entries) && now.Sub(w.entries[i].ts) > w.window {
		w.total = w.total.Sub(w.entries[i].amount)
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}
