package selector

import (
	"fmt"
	"time"
)

// 外呼窗口解析。联系人配置优先于活动默认值：
// 时区取 contact.Timezone -> campaign.Timezone -> 服务器本地时区，
// 窗口取 contact 覆盖 -> campaign 默认。

// Window 一个已解析的本地时间窗口
type Window struct {
	Location *time.Location
	Start    time.Duration // 零点起算的偏移
	End      time.Duration
}

// ResolveWindow 合并联系人覆盖与活动默认值。时区解析失败返回错误，
// 调用方跳过该联系人并标记，绝不猜一个时区把电话拨出去。
func ResolveWindow(contactTZ, contactStart, contactEnd, campaignTZ, campaignStart, campaignEnd string) (Window, error) {
	tzName := contactTZ
	if tzName == "" {
		tzName = campaignTZ
	}

	loc := time.Local
	if tzName != "" {
		parsed, err := time.LoadLocation(tzName)
		if err != nil {
			return Window{}, fmt.Errorf("unresolvable timezone %q: %w", tzName, err)
		}
		loc = parsed
	}

	start := contactStart
	if start == "" {
		start = campaignStart
	}
	end := contactEnd
	if end == "" {
		end = campaignEnd
	}

	startOffset, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window start %q: %w", start, err)
	}
	endOffset, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window end %q: %w", end, err)
	}

	return Window{Location: loc, Start: startOffset, End: endOffset}, nil
}

// Contains 判断时刻是否落在窗口内。Start > End 表示跨午夜窗口
// （如 21:00:00 - 03:00:00）。
func (w Window) Contains(t time.Time) bool {
	local := t.In(w.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Location)
	offset := local.Sub(midnight)

	if w.Start <= w.End {
		return offset >= w.Start && offset < w.End
	}
	return offset >= w.Start || offset < w.End
}

func parseClock(s string) (time.Duration, error) {
	parsed, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(parsed.Hour())*time.Hour +
		time.Duration(parsed.Minute())*time.Minute +
		time.Duration(parsed.Second())*time.Second, nil
}
