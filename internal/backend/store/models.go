package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceBar is one OHLCV bar of a symbol.
type PriceBar struct {
	ID        uint            `gorm:"primaryKey;autoIncrement"`
	Symbol    string          `gorm:"not null;uniqueIndex:idx_price_symbol_ts"`
	Timestamp int64           `gorm:"not null;uniqueIndex:idx_price_symbol_ts"`
	Open      decimal.Decimal `gorm:"type:numeric;not null"`
	High      decimal.Decimal `gorm:"type:numeric;not null"`
	Low       decimal.Decimal `gorm:"type:numeric;not null"`
	Close     decimal.Decimal `gorm:"type:numeric;not null"`
	Volume    int64
	CreatedAt time.Time
}

func (PriceBar) TableName() string {
	return "price_data"
}

type Strategy struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string    `gorm:"uniqueIndex;not null" json:"name"`
	Description    string    `json:"description"`
	RulesJSON      string    `gorm:"column:rules_json;not null" json:"rules_json"`
	ParametersJSON string    `gorm:"column:parameters_json" json:"parameters_json,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Strategy) TableName() string {
	return "strategies"
}

type BacktestResult struct {
	ID             uint            `gorm:"primaryKey;autoIncrement"`
	StrategyID     uint            `gorm:"not null;index"`
	Strategy       Strategy        `gorm:"constraint:OnDelete:CASCADE"`
	Symbol         string          `gorm:"not null"`
	StartDate      int64           `gorm:"not null"`
	EndDate        int64           `gorm:"not null"`
	InitialCapital decimal.Decimal `gorm:"type:numeric;not null"`
	FinalEquity    decimal.Decimal `gorm:"type:numeric;not null"`
	TotalReturn    decimal.Decimal `gorm:"type:numeric;not null"`
	MaxDrawdown    decimal.Decimal `gorm:"type:numeric;not null"`
	WinRate        decimal.Decimal `gorm:"type:numeric;not null"`
	TotalTrades    int             `gorm:"not null"`
	ResultsJSON    string          `gorm:"column:results_json;not null"`
	CreatedAt      time.Time
}

func (BacktestResult) TableName() string {
	return "backtest_results"
}

type TradeSide string

const (
	SideLong  TradeSide = "long"
	SideShort TradeSide = "short"
)

type Trade struct {
	ID             uint                `gorm:"primaryKey;autoIncrement"`
	BacktestID     uint                `gorm:"not null;index"`
	Backtest       BacktestResult      `gorm:"foreignKey:BacktestID;constraint:OnDelete:CASCADE"`
	EntryTimestamp int64               `gorm:"not null"`
	ExitTimestamp  *int64
	EntryPrice     decimal.Decimal     `gorm:"type:numeric;not null"`
	ExitPrice      decimal.NullDecimal `gorm:"type:numeric"`
	Quantity       decimal.Decimal     `gorm:"type:numeric;not null"`
	Side           TradeSide           `gorm:"not null"`
	Pnl            decimal.NullDecimal `gorm:"type:numeric"`
	Commission     decimal.Decimal     `gorm:"type:numeric;default:0"`
	Status         string              `gorm:"default:open"`
}

func (Trade) TableName() string {
	return "trades"
}

// Tables lists the tables owned by the store.
var Tables = []string{"price_data", "strategies", "backtest_results", "trades"}

func models() []any {
	return []any{&PriceBar{}, &Strategy{}, &BacktestResult{}, &Trade{}}
}
