package clock

import "time"

// Clock 抽象当前时间，便于在测试中注入固定时间
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystem 返回基于 time.Now 的时钟
func NewSystem() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed 固定时钟，测试用，可手动推进
type Fixed struct {
	now time.Time
}

// NewFixed 返回始终停留在同一时刻的时钟
func NewFixed(t time.Time) *Fixed {
	return &Fixed{now: t.UTC()}
}

func (f *Fixed) Now() time.Time {
	return f.now
}

// Advance 将时钟向前推进 d
func (f *Fixed) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}
