// Package db persists periodic controller statistics and optimizer
// snapshots to MySQL for offline analysis of the agent's rate behavior.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	kucoin "github.com/CAJUDA30/kucoin"
	"github.com/CAJUDA30/kucoin/internal/optimizer"
)

// ControllerStatsRecord is the database model for one controller snapshot.
type ControllerStatsRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp         time.Time `gorm:"index;not null"`
	PressureState     string    `gorm:"type:varchar(16);not null"`
	CurrentUsage      int64     `gorm:"not null"`
	Capacity          int64     `gorm:"not null"`
	UsagePercent      float64   `gorm:"not null"`
	TradingUsage      int64     `gorm:"not null"`
	ScanningUsage     int64     `gorm:"not null"`
	AdminUsage        int64     `gorm:"not null"`
	TotalRequests     int64     `gorm:"not null"`
	ThrottledRequests int64     `gorm:"not null"`
	SlaViolations     int64     `gorm:"not null"`
	AvgQueueWaitMS    int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (ControllerStatsRecord) TableName() string {
	return "controller_stats"
}

// OptimizerSnapshotRecord is the database model for one optimizer cycle.
type OptimizerSnapshotRecord struct {
	ID                uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp         time.Time `gorm:"index;not null"`
	CapacityTarget    float64   `gorm:"not null"`
	ThrottleThreshold float64   `gorm:"not null"`
	RecoveryThreshold float64   `gorm:"not null"`
	ScanIntervalSecs  int64     `gorm:"not null"`
	BatchSize         int       `gorm:"not null"`
	PriorityBoost     float64   `gorm:"not null"`
	UpdateReason      string    `gorm:"type:varchar(255)"`
	Confidence        float64   `gorm:"not null"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (OptimizerSnapshotRecord) TableName() string {
	return "optimizer_snapshots"
}

// MySQLRecorder persists stats rows using GORM and MySQL.
type MySQLRecorder struct {
	db *gorm.DB
}

// NewMySQLRecorder creates a MySQLRecorder and migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return NewMySQLRecorderWithDB(db)
}

// NewMySQLRecorderWithDB wraps an existing GORM DB instance.
func NewMySQLRecorderWithDB(db *gorm.DB) (*MySQLRecorder, error) {
	if err := db.AutoMigrate(&ControllerStatsRecord{}, &OptimizerSnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &MySQLRecorder{db: db}, nil
}

// RecordControllerStats persists one controller snapshot.
func (r *MySQLRecorder) RecordControllerStats(ts time.Time, stats kucoin.ControllerStats) error {
	record := ControllerStatsRecord{
		Timestamp:         ts,
		PressureState:     stats.State.String(),
		CurrentUsage:      stats.CurrentUsage,
		Capacity:          stats.Capacity,
		UsagePercent:      stats.UsagePercent,
		TradingUsage:      stats.TradingUsage,
		ScanningUsage:     stats.ScanningUsage,
		AdminUsage:        stats.AdminUsage,
		TotalRequests:     stats.TotalRequests,
		ThrottledRequests: stats.ThrottledRequests,
		SlaViolations:     stats.SlaViolations,
		AvgQueueWaitMS:    stats.AvgQueueWait.Milliseconds(),
	}
	if result := r.db.Create(&record); result.Error != nil {
		return fmt.Errorf("failed to record controller stats: %w", result.Error)
	}
	return nil
}

// RecordOptimizerSnapshot persists one optimizer parameter set.
func (r *MySQLRecorder) RecordOptimizerSnapshot(ts time.Time, params optimizer.Parameters) error {
	record := OptimizerSnapshotRecord{
		Timestamp:         ts,
		CapacityTarget:    params.CapacityTarget,
		ThrottleThreshold: params.ThrottleThreshold,
		RecoveryThreshold: params.RecoveryThreshold,
		ScanIntervalSecs:  int64(params.ScanInterval / time.Second),
		BatchSize:         params.BatchSize,
		PriorityBoost:     params.PriorityBoost,
		UpdateReason:      params.UpdateReason,
		Confidence:        params.Confidence,
	}
	if result := r.db.Create(&record); result.Error != nil {
		return fmt.Errorf("failed to record optimizer snapshot: %w", result.Error)
	}
	return nil
}

// GetLatestControllerStats retrieves the most recent controller snapshot.
func (r *MySQLRecorder) GetLatestControllerStats() (*ControllerStatsRecord, error) {
	var record ControllerStatsRecord
	if result := r.db.Order("timestamp DESC").First(&record); result.Error != nil {
		return nil, fmt.Errorf("failed to get latest controller stats: %w", result.Error)
	}
	return &record, nil
}

// GetControllerStatsByTimeRange retrieves snapshots within a time range.
func (r *MySQLRecorder) GetControllerStatsByTimeRange(start, end time.Time) ([]ControllerStatsRecord, error) {
	var records []ControllerStatsRecord
	result := r.db.Where("timestamp BETWEEN ? AND ?", start, end).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get controller stats by time range: %w", result.Error)
	}
	return records, nil
}

// GetStatsByPressureState retrieves all snapshots recorded in one state.
func (r *MySQLRecorder) GetStatsByPressureState(state kucoin.PressureState) ([]ControllerStatsRecord, error) {
	var records []ControllerStatsRecord
	result := r.db.Where("pressure_state = ?", state.String()).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get stats by pressure state: %w", result.Error)
	}
	return records, nil
}

// CountControllerStats returns the number of persisted controller rows.
func (r *MySQLRecorder) CountControllerStats() (int64, error) {
	var count int64
	if result := r.db.Model(&ControllerStatsRecord{}).Count(&count); result.Error != nil {
		return 0, fmt.Errorf("failed to count controller stats: %w", result.Error)
	}
	return count, nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *MySQLRecorder) GetDB() *gorm.DB {
	return r.db
}

// Close closes the database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
