// Package store is the PostgreSQL persistence layer shared by the trading
// engines and the market monitor: orders, trades, positions, risk events,
// portfolio history, user-instance bindings, and strategy configuration.
//
// Every write is one short transaction; there are no cross-entity
// transactions. Idempotency is contractual where it matters: trade inserts
// conflict-away on trade_id, and position saves merge into the single open
// row per (source, symbol, side).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"quant-terminal/internal/config"
)

// instance_type values for user_instances rows.
const (
	InstanceTypeLive            = "live"
	InstanceTypeGrid            = "grid"
	InstanceTypeCurrencyMonitor = "currency_monitor"
)

// monitorSingletonID marks the single currency-monitor config row, stored
// under the first user's bindings.
const monitorSingletonID = "singleton"

// Store wraps the GORM connection.
type Store struct {
	db *gorm.DB
}

// Open connects, configures the pool, migrates the schema, and ensures the
// default user row exists.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := db.AutoMigrate(
		&User{}, &MarketData{}, &Order{}, &Position{}, &Trade{},
		&RiskEvent{}, &PortfolioSnapshot{}, &UserInstance{}, &StrategyConfig{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureDefaultUser(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ensureDefaultUser() error {
	user := User{ID: 1, Username: "default", CreatedAt: time.Now()}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
		return fmt.Errorf("ensure default user: %w", err)
	}
	return nil
}

// SaveOrder appends an order row.
func (s *Store) SaveOrder(ctx context.Context, order *Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("SaveOrder: %w", err)
	}
	return nil
}

// SaveTrade appends a trade row. Duplicate trade IDs are silently dropped.
func (s *Store) SaveTrade(ctx context.Context, trade *Trade) error {
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		DoNothing: true,
	}).Create(trade).Error
	if err != nil {
		return fmt.Errorf("SaveTrade: %w", err)
	}
	return nil
}

// SavePosition upserts a position. When an open row exists for the same
// (source, symbol, side) it is updated in place, which keeps the single
// open-position invariant; otherwise a new row is created.
func (s *Store) SavePosition(ctx context.Context, pos *Position) error {
	pos.UpdatedAt = time.Now()

	var existing Position
	err := s.db.WithContext(ctx).
		Where("source = ? AND symbol = ? AND side = ? AND closed_at IS NULL",
			pos.Source, pos.Symbol, pos.Side).
		Order("opened_at DESC").
		First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(pos).Error; err != nil {
			return fmt.Errorf("SavePosition: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("SavePosition: %w", err)
	}

	pos.ID = existing.ID
	if err := s.db.WithContext(ctx).Save(pos).Error; err != nil {
		return fmt.Errorf("SavePosition: %w", err)
	}
	return nil
}

// GetOpenPosition returns the newest open position for the source,
// optionally filtered by symbol. Returns (nil, nil) when none is open.
func (s *Store) GetOpenPosition(ctx context.Context, source, symbol string) (*Position, error) {
	query := s.db.WithContext(ctx).
		Where("source = ? AND closed_at IS NULL", source).
		Order("opened_at DESC")
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}

	var pos Position
	if err := query.First(&pos).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetOpenPosition: %w", err)
	}
	return &pos, nil
}

// SaveRiskEvent appends a risk event.
func (s *Store) SaveRiskEvent(ctx context.Context, event *RiskEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("SaveRiskEvent: %w", err)
	}
	return nil
}

// SavePortfolioSnapshot appends a portfolio history row.
func (s *Store) SavePortfolioSnapshot(ctx context.Context, snap *PortfolioSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("SavePortfolioSnapshot: %w", err)
	}
	return nil
}

// SaveMarketData appends a bar.
func (s *Store) SaveMarketData(ctx context.Context, bar *MarketData) error {
	if bar.CreatedAt.IsZero() {
		bar.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(bar).Error; err != nil {
		return fmt.Errorf("SaveMarketData: %w", err)
	}
	return nil
}

// SaveUserInstance upserts a user-instance binding.
func (s *Store) SaveUserInstance(ctx context.Context, userID uint, instanceType, instanceID, configJSON string) error {
	binding := UserInstance{
		UserID:       userID,
		InstanceType: instanceType,
		InstanceID:   instanceID,
		ConfigJSON:   configJSON,
		CreatedAt:    time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "instance_type"}, {Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_json"}),
	}).Create(&binding).Error
	if err != nil {
		return fmt.Errorf("SaveUserInstance: %w", err)
	}
	return nil
}

// DeleteUserInstance removes a binding.
func (s *Store) DeleteUserInstance(ctx context.Context, userID uint, instanceType, instanceID string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND instance_type = ? AND instance_id = ?", userID, instanceType, instanceID).
		Delete(&UserInstance{}).Error
	if err != nil {
		return fmt.Errorf("DeleteUserInstance: %w", err)
	}
	return nil
}

// GetUserInstanceIDs lists the user's instance IDs of the given type.
func (s *Store) GetUserInstanceIDs(ctx context.Context, userID uint, instanceType string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&UserInstance{}).
		Where("user_id = ? AND instance_type = ?", userID, instanceType).
		Order("created_at").
		Pluck("instance_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("GetUserInstanceIDs: %w", err)
	}
	return ids, nil
}

// GetUserInstanceConfigs returns instance_id -> config_json for the user.
func (s *Store) GetUserInstanceConfigs(ctx context.Context, userID uint, instanceType string) (map[string]string, error) {
	var bindings []UserInstance
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND instance_type = ?", userID, instanceType).
		Find(&bindings).Error
	if err != nil {
		return nil, fmt.Errorf("GetUserInstanceConfigs: %w", err)
	}
	configs := make(map[string]string, len(bindings))
	for _, b := range bindings {
		configs[b.InstanceID] = b.ConfigJSON
	}
	return configs, nil
}

func (s *Store) firstUserID(ctx context.Context) (uint, error) {
	var user User
	if err := s.db.WithContext(ctx).Order("id").First(&user).Error; err != nil {
		return 0, fmt.Errorf("first user: %w", err)
	}
	return user.ID, nil
}

// SaveCurrencyMonitorConfig stores the monitor config singleton under the
// first user's bindings.
func (s *Store) SaveCurrencyMonitorConfig(ctx context.Context, configJSON string) error {
	userID, err := s.firstUserID(ctx)
	if err != nil {
		return err
	}
	return s.SaveUserInstance(ctx, userID, InstanceTypeCurrencyMonitor, monitorSingletonID, configJSON)
}

// GetCurrencyMonitorConfig returns the stored monitor config, or ("", nil)
// when none exists.
func (s *Store) GetCurrencyMonitorConfig(ctx context.Context) (string, error) {
	userID, err := s.firstUserID(ctx)
	if err != nil {
		return "", err
	}
	var binding UserInstance
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND instance_type = ? AND instance_id = ?",
			userID, InstanceTypeCurrencyMonitor, monitorSingletonID).
		First(&binding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("GetCurrencyMonitorConfig: %w", err)
	}
	return binding.ConfigJSON, nil
}

// DeleteCurrencyMonitorConfig removes the singleton.
func (s *Store) DeleteCurrencyMonitorConfig(ctx context.Context) error {
	userID, err := s.firstUserID(ctx)
	if err != nil {
		return err
	}
	return s.DeleteUserInstance(ctx, userID, InstanceTypeCurrencyMonitor, monitorSingletonID)
}

// SaveStrategyConfig upserts a named strategy tuning blob.
func (s *Store) SaveStrategyConfig(ctx context.Context, name, configJSON string) error {
	row := StrategyConfig{Name: name, ConfigJSON: configJSON, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_json", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("SaveStrategyConfig: %w", err)
	}
	return nil
}

// GetStrategyConfig returns the named tuning blob, or ("", nil) when unset.
func (s *Store) GetStrategyConfig(ctx context.Context, name string) (string, error) {
	var row StrategyConfig
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("GetStrategyConfig: %w", err)
	}
	return row.ConfigJSON, nil
}
