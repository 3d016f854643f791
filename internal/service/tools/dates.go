package tools

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// 到期时间接受的绝对格式，按顺序尝试
var dueDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
	"02-01-2006",
}

var todayAtPattern = regexp.MustCompile(`(?i)today at (\d{1,2}):(\d{2})\s*(AM|PM)`)

// parseDueDate 解析用户口语化的到期时间
// 支持 today / today at H:MM AM|PM / tomorrow 以及常见日期格式，解析失败返回 nil
func parseDueDate(raw string, now time.Time) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	lower := strings.ToLower(s)
	switch {
	case lower == "today":
		return &today
	case strings.Contains(lower, "today at"):
		if m := todayAtPattern.FindStringSubmatch(s); m != nil {
			hour, _ := strconv.Atoi(m[1])
			minute, _ := strconv.Atoi(m[2])
			period := strings.ToUpper(m[3])
			if period == "PM" && hour != 12 {
				hour += 12
			} else if period == "AM" && hour == 12 {
				hour = 0
			}
			at := today.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
			return &at
		}
		return nil
	case strings.Contains(lower, "tomorrow"):
		t := today.AddDate(0, 0, 1)
		return &t
	}

	for _, layout := range dueDateLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return &t
		}
	}
	return nil
}

// nextDueDate 计算周期任务的下一个到期时间
// 月度与年度推进时对月底日期做收口（1 月 31 日 + 1 月 = 2 月末）
func nextDueDate(pattern string, due time.Time) time.Time {
	switch pattern {
	case "daily":
		return due.AddDate(0, 0, 1)
	case "weekly":
		return due.AddDate(0, 0, 7)
	case "monthly":
		year, month := due.Year(), due.Month()+1
		if month > time.December {
			month = time.January
			year++
		}
		return clampDay(due, year, month)
	case "yearly":
		return clampDay(due, due.Year()+1, due.Month())
	default:
		return due
	}
}

func clampDay(due time.Time, year int, month time.Month) time.Time {
	day := due.Day()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day,
		due.Hour(), due.Minute(), due.Second(), due.Nanosecond(), due.Location())
}

func daysInMonth(year int, month time.Month) int {
	// 下月第 0 天即本月最后一天
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
