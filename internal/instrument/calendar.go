package instrument

import "time"

// 碳信用二级市场交易时段（UTC），周一至周五
const (
	openHour    = 7
	openMinute  = 0
	closeHour   = 17
	closeMinute = 0
)

// Calendar 交易日历。判断市场开闭，支持节假日停市。
type Calendar struct {
	loc        *time.Location
	holidays   map[string]bool // "2026-12-25"
	alwaysOpen bool            // 测试与 7x24 模式
}

// NewCalendar 创建日历
func NewCalendar(holidays []string) *Calendar {
	hs := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		hs[h] = true
	}
	return &Calendar{loc: time.UTC, holidays: hs}
}

// NewAlwaysOpenCalendar 创建 7x24 日历
func NewAlwaysOpenCalendar() *Calendar {
	return &Calendar{loc: time.UTC, holidays: map[string]bool{}, alwaysOpen: true}
}

// IsOpen 判断 t 时刻市场是否开放
func (c *Calendar) IsOpen(t time.Time) bool {
	if c.alwaysOpen {
		return true
	}
	local := t.In(c.loc)
	if !c.isTradingDay(local) {
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	return hm >= openHour*60+openMinute && hm < closeHour*60+closeMinute
}

func (c *Calendar) isTradingDay(local time.Time) bool {
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.holidays[local.Format("2006-01-02")]
}

// NextOpen 返回下一个开市时间
func (c *Calendar) NextOpen(t time.Time) time.Time {
	local := t.In(c.loc)
	if c.alwaysOpen {
		return local
	}

	todayOpen := time.Date(local.Year(), local.Month(), local.Day(), openHour, openMinute, 0, 0, c.loc)
	if local.Before(todayOpen) && c.isTradingDay(local) {
		return todayOpen
	}

	d := local.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ {
		if c.isTradingDay(d) {
			return time.Date(d.Year(), d.Month(), d.Day(), openHour, openMinute, 0, 0, c.loc)
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(local.Year(), local.Month(), local.Day()+1, openHour, openMinute, 0, 0, c.loc)
}

// TimeUntilClose 距今日收市时长，已收市返回 0
func (c *Calendar) TimeUntilClose(t time.Time) time.Duration {
	local := t.In(c.loc)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(), closeHour, closeMinute, 0, 0, c.loc)
	d := closeAt.Sub(local)
	if d < 0 {
		return 0
	}
	return d
}
