package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source builds the source discriminator every cross-exchange row carries,
// "{exchange}_{instance_id}", so one database can serve many trading
// instances.
func Source(exchange, instanceID string) string {
	return exchange + "_" + instanceID
}

// User is an account row. A default user (id 1) is ensured at open; the
// monitor config singleton hangs off the first user.
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// MarketData is a persisted bar, written when the minute-alert detector
// fires so anomalies can be reviewed later.
type MarketData struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Source    string          `gorm:"size:64;index;not null"`
	Symbol    string          `gorm:"size:32;index;not null"`
	Timeframe string          `gorm:"size:8;not null"`
	OpenTime  time.Time       `gorm:"index;not null"`
	Open      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	High      decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Low       decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Close     decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Volume    decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	CreatedAt time.Time       `gorm:"not null"`
}

func (MarketData) TableName() string { return "market_data" }

// Order is an append-only record of every placed order.
type Order struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Source    string          `gorm:"size:64;index:idx_orders_source_order,unique;not null"`
	OrderID   string          `gorm:"size:128;index:idx_orders_source_order,unique;not null"`
	Symbol    string          `gorm:"size:32;index;not null"`
	Side      string          `gorm:"size:8;not null"`
	Type      string          `gorm:"size:16;not null"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Price     decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	Status    string          `gorm:"size:16;not null"`
	TxHash    *string         `gorm:"size:128"`
	CreatedAt time.Time       `gorm:"index;not null"`
}

func (Order) TableName() string { return "orders" }

// Position is one position's lifecycle. ClosedAt nil means open; at most
// one open row exists per (source, symbol, side).
type Position struct {
	ID            int64            `gorm:"primaryKey;autoIncrement"`
	Source        string           `gorm:"size:64;index;not null"`
	Symbol        string           `gorm:"size:32;index;not null"`
	Side          string           `gorm:"size:8;not null"`
	Quantity      decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	EntryPrice    decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	Collateral    decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	OpenedAt      time.Time        `gorm:"index;not null"`
	PairID        *int64           `gorm:""`
	TradeIndex    *int64           `gorm:""`
	ClosedAt      *time.Time       `gorm:"index"`
	CurrentPrice  *decimal.Decimal `gorm:"type:decimal(20,8)"`
	UnrealizedPnl *decimal.Decimal `gorm:"type:decimal(20,8)"`
	UpdatedAt     time.Time        `gorm:"not null"`
}

func (Position) TableName() string { return "positions" }

// Open reports whether the position row is still open.
func (p *Position) Open() bool { return p.ClosedAt == nil }

// Trade is the append-only fill/close ledger. TradeID is globally unique;
// duplicate inserts are dropped at write time.
type Trade struct {
	ID         int64            `gorm:"primaryKey;autoIncrement"`
	Source     string           `gorm:"size:64;index;not null"`
	TradeID    string           `gorm:"size:128;uniqueIndex:idx_trades_trade_id;not null"`
	OrderID    string           `gorm:"size:128;index;not null"`
	Symbol     string           `gorm:"size:32;index;not null"`
	Side       string           `gorm:"size:8;not null"`
	Quantity   decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	Price      decimal.Decimal  `gorm:"type:decimal(20,8);not null"`
	ClosePrice *decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnlPercent *decimal.Decimal `gorm:"type:decimal(10,4)"`
	PnlAmount  *decimal.Decimal `gorm:"type:decimal(20,8)"`
	Reason     *string          `gorm:"size:128"`
	CreatedAt  time.Time        `gorm:"index;not null"`
}

func (Trade) TableName() string { return "trades" }

// RiskEvent records breaches and rejections for the operator.
type RiskEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"size:64;uniqueIndex;not null"`
	Source    string    `gorm:"size:64;index;not null"`
	Type      string    `gorm:"size:32;not null"`
	Severity  string    `gorm:"size:16;index;not null"`
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index;not null"`
}

func (RiskEvent) TableName() string { return "risk_events" }

// PortfolioSnapshot records balance and realized PnL after every close.
type PortfolioSnapshot struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	Source      string          `gorm:"size:64;index;not null"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	RealizedPnl decimal.Decimal `gorm:"type:decimal(20,8);not null"`
	CreatedAt   time.Time       `gorm:"index;not null"`
}

func (PortfolioSnapshot) TableName() string { return "portfolio_history" }

// UserInstance binds a user to a running instance. ConfigJSON is the
// sanitized instance configuration and must never contain secrets.
type UserInstance struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	UserID       uint      `gorm:"index:idx_user_instances_binding,unique;not null"`
	InstanceType string    `gorm:"size:32;index:idx_user_instances_binding,unique;not null"`
	InstanceID   string    `gorm:"size:128;index:idx_user_instances_binding,unique;not null"`
	ConfigJSON   string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserInstance) TableName() string { return "user_instances" }

// StrategyConfig is a named JSON blob of strategy tuning ("specialk" holds
// the detector's lookback and ratio).
type StrategyConfig struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	Name       string    `gorm:"size:64;uniqueIndex;not null"`
	ConfigJSON string    `gorm:"type:text;not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (StrategyConfig) TableName() string { return "strategy_config" }
