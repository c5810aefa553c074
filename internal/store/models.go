package store

import "time"

// TradingDayRow marks one date as a trading day.
type TradingDayRow struct {
	Date time.Time `gorm:"primaryKey;column:date"`
}

func (TradingDayRow) TableName() string { return "trading_days" }

// CandleRow is one daily OHLCV bar.
type CandleRow struct {
	Code     string    `gorm:"primaryKey;column:code"`
	Date     time.Time `gorm:"primaryKey;column:date"`
	Open     float64   `gorm:"column:open"`
	High     float64   `gorm:"column:high"`
	Low      float64   `gorm:"column:low"`
	Close    float64   `gorm:"column:close"`
	PreClose float64   `gorm:"column:pre_close"`
	Volume   int64     `gorm:"column:volume"`
	Turnover float64   `gorm:"column:turnover"`
}

func (CandleRow) TableName() string { return "candles" }

// TickRow is one intraday tick. Volume is cumulative for the day.
type TickRow struct {
	ID       uint64    `gorm:"primaryKey;autoIncrement;column:id"`
	Code     string    `gorm:"index:idx_tick_code_time;column:code"`
	Time     time.Time `gorm:"index:idx_tick_code_time;column:time"`
	Price    float64   `gorm:"column:price"`
	PreClose float64   `gorm:"column:pre_close"`
	Open     float64   `gorm:"column:open"`
	High     float64   `gorm:"column:high"`
	Low      float64   `gorm:"column:low"`
	Volume   int64     `gorm:"column:volume"`
	Turnover float64   `gorm:"column:turnover"`
	BidPrice float64   `gorm:"column:bid_price"`
	AskPrice float64   `gorm:"column:ask_price"`
}

func (TickRow) TableName() string { return "ticks" }

// AdjFactorRow is the corporate-action adjustment factor effective
// from the given date.
type AdjFactorRow struct {
	Code   string    `gorm:"primaryKey;column:code"`
	Date   time.Time `gorm:"primaryKey;column:date"`
	Factor float64   `gorm:"column:factor"`
}

func (AdjFactorRow) TableName() string { return "adj_factors" }
