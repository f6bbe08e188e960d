package market

import "time"

// Shanghai is the A-share exchange time zone (no DST).
var Shanghai = time.FixedZone("Asia/Shanghai", 8*3600)

// DayLocation returns the zone whose calendar date defines the trading day
// for a market: Asia/Shanghai for A-shares, UTC for crypto.
func DayLocation(marketName string) *time.Location {
	if marketName == "ashare" {
		return Shanghai
	}
	return time.UTC
}

// TradingDay returns the trading day (YYYY-MM-DD) containing t.
func TradingDay(marketName string, t time.Time) string {
	return t.In(DayLocation(marketName)).Format("2006-01-02")
}

// IsAShareSessionOpen reports whether t falls in the continuous trading
// sessions, Mon-Fri 09:30-11:30 and 13:00-15:00 Shanghai time.
// Exchange holidays are not modelled.
func IsAShareSessionOpen(t time.Time) bool {
	local := t.In(Shanghai)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	morning := minutes >= 9*60+30 && minutes < 11*60+30
	afternoon := minutes >= 13*60 && minutes < 15*60
	return morning || afternoon
}

// IsOpen reports whether marketName is trading at t. Crypto never closes.
func IsOpen(marketName string, t time.Time) bool {
	if marketName == "ashare" {
		return IsAShareSessionOpen(t)
	}
	return true
}
