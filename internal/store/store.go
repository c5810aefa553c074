package store

import (
	"time"

	"github.com/glebarez/sqlite"
	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"main/internal/schema"
)

var (
	ErrUnknownDriver = errors.New("store: unknown driver")
	ErrNoData        = errors.New("store: no data")
)

// Source is the historical-data gateway consumed by the simulation
// engine and the orchestrator. Implementations are synchronous,
// idempotent and retryable.
type Source interface {
	LoadTradingDays(from, to time.Time) ([]time.Time, error)
	LoadOhlcv(code string, from, to time.Time) ([]schema.Bar, error)
	LoadTicks(code string, day time.Time) ([]schema.Tick, error)
	LoadAdjustmentFactor(code string, day time.Time) (float64, error)
}

// Config selects the database backing one gateway.
type Config struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

// Gateway reads market history through gorm. Postgres serves shared
// deployments; the pure-Go sqlite driver serves local back-test data.
type Gateway struct {
	db *gorm.DB
}

// Open connects and migrates the row schema.
func Open(cfg Config) (*Gateway, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Wrap(ErrUnknownDriver, cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, errors.Wrap(err, "open market store")
	}
	if err := db.AutoMigrate(&TradingDayRow{}, &CandleRow{}, &TickRow{}, &AdjFactorRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate market store")
	}
	return &Gateway{db: db}, nil
}

// DB exposes the underlying handle for loaders and tests.
func (g *Gateway) DB() *gorm.DB { return g.db }

func (g *Gateway) LoadTradingDays(from, to time.Time) ([]time.Time, error) {
	var rows []TradingDayRow
	err := g.db.
		Where("date >= ? AND date <= ?", from, to).
		Order("date asc").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "load trading days")
	}
	out := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Date)
	}
	return out, nil
}

func (g *Gateway) LoadOhlcv(code string, from, to time.Time) ([]schema.Bar, error) {
	var rows []CandleRow
	err := g.db.
		Where("code = ? AND date >= ? AND date <= ?", code, from, to).
		Order("date asc").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "load ohlcv")
	}
	out := make([]schema.Bar, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.Bar{
			Code:     r.Code,
			Start:    r.Date,
			End:      r.Date,
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Close:    r.Close,
			PreClose: r.PreClose,
			Volume:   r.Volume,
		})
	}
	return out, nil
}

func (g *Gateway) LoadTicks(code string, day time.Time) ([]schema.Tick, error) {
	dayStart := day.Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)
	var rows []TickRow
	err := g.db.
		Where("code = ? AND time >= ? AND time < ?", code, dayStart, dayEnd).
		Order("time asc").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "load ticks")
	}
	out := make([]schema.Tick, 0, len(rows))
	for _, r := range rows {
		out = append(out, schema.Tick{
			Code:     r.Code,
			Time:     r.Time,
			Price:    r.Price,
			PreClose: r.PreClose,
			Open:     r.Open,
			High:     r.High,
			Low:      r.Low,
			Volume:   r.Volume,
			Turnover: r.Turnover,
			BidPrice: r.BidPrice,
			AskPrice: r.AskPrice,
		})
	}
	return out, nil
}

func (g *Gateway) LoadAdjustmentFactor(code string, day time.Time) (float64, error) {
	var row AdjFactorRow
	err := g.db.
		Where("code = ? AND date <= ?", code, day).
		Order("date desc").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 1, nil
		}
		return 0, errors.Wrap(err, "load adjustment factor")
	}
	return row.Factor, nil
}
