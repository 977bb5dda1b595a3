// Package storage implements ports.Storage over SQLite via GORM, tuned for
// a long-running observer on small hardware: WAL journaling, a small
// connection pool, bounded queries and transient-error retries.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// ErrStoreFatal is returned by write operations once the store has tripped
// unhealthy. Reads keep working; writes are rejected without touching the
// database.
var ErrStoreFatal = errors.New("store unhealthy, writes disabled")

const (
	maxOpenConns  = 5
	idleConns     = 2
	writeRetries  = 3
	healthTripAt  = 3 // consecutive write failures before the store reports unhealthy
	retryBaseWait = time.Second
)

// SQLiteAdapter implements ports.Storage using GORM and SQLite.
type SQLiteAdapter struct {
	db     *gorm.DB
	path   string
	logger *slog.Logger

	writeFailures atomic.Int64
	lastError     atomic.Value // string
}

// NewSQLiteAdapter opens (or creates) the database at path, applies the
// performance pragmas, runs migrations and builds indices.
func NewSQLiteAdapter(path string, log *slog.Logger) (*SQLiteAdapter, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		log.Warn("failed to enable database tracing", "error", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(idleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Pragmas tuned for one writer plus concurrent readers.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=268435456",
		"PRAGMA cache_size=-64000",
		"PRAGMA busy_timeout=5000",
	} {
		db.Exec(pragma)
	}

	a := &SQLiteAdapter{db: db, path: path, logger: log}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	// Secondary indices beyond what the model tags declare.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_flows_last_seen ON flow_models(last_seen)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_flows_device_time ON flow_models(device_id, timestamp)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_flows_status ON flow_models(status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_flows_domain ON flow_models(domain)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_threats_dismissed ON threat_models(dismissed)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_devices_name ON device_models(name)")

	return a, nil
}

// --- Devices ---

func (a *SQLiteAdapter) SaveDevice(ctx context.Context, d domain.Device) error {
	model := deviceToModel(d)
	return a.withWriteRetry(ctx, func() error {
		return a.db.WithContext(ctx).Save(&model).Error
	})
}

func (a *SQLiteAdapter) GetDevice(ctx context.Context, id string) (*domain.Device, error) {
	var model DeviceModel
	err := a.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deviceToDomain(model), nil
}

func (a *SQLiteAdapter) GetDeviceByMAC(ctx context.Context, mac string) (*domain.Device, error) {
	var model DeviceModel
	err := a.db.WithContext(ctx).First(&model, "mac = ?", mac).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deviceToDomain(model), nil
}

func (a *SQLiteAdapter) GetDeviceByIP(ctx context.Context, ip string) (*domain.Device, error) {
	var model DeviceModel
	err := a.db.WithContext(ctx).Order("last_seen DESC").First(&model, "ip = ?", ip).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return deviceToDomain(model), nil
}

func (a *SQLiteAdapter) GetAllDevices(ctx context.Context) ([]domain.Device, error) {
	var models []DeviceModel
	if err := a.db.WithContext(ctx).Order("last_seen DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	devices := make([]domain.Device, len(models))
	for i, m := range models {
		devices[i] = *deviceToDomain(m)
	}
	return devices, nil
}

// --- Flows ---

func (a *SQLiteAdapter) AddFlow(ctx context.Context, f domain.Flow) error {
	model := flowToModel(f)
	return a.withWriteRetry(ctx, func() error {
		return a.db.WithContext(ctx).Save(&model).Error
	})
}

// AddFlowsBatch writes all flows in one transaction.
func (a *SQLiteAdapter) AddFlowsBatch(ctx context.Context, flows []domain.Flow) error {
	if len(flows) == 0 {
		return nil
	}
	models := make([]FlowModel, len(flows))
	for i, f := range flows {
		models[i] = flowToModel(f)
	}
	return a.withWriteRetry(ctx, func() error {
		return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.CreateInBatches(models, 100).Error
		})
	})
}

func (a *SQLiteAdapter) GetFlow(ctx context.Context, id string) (*domain.Flow, error) {
	var model FlowModel
	err := a.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return flowToDomain(model), nil
}

// GetFlows serves filtered, bounded reads. A zero limit yields no rows;
// anything above MaxPageSize is clamped.
func (a *SQLiteAdapter) GetFlows(ctx context.Context, filter domain.FlowFilter) ([]domain.Flow, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.Limit == 0 {
		return []domain.Flow{}, nil
	}
	limit := filter.Limit
	if limit > domain.MaxPageSize {
		limit = domain.MaxPageSize
	}

	query := a.db.WithContext(ctx).Model(&FlowModel{})

	if filter.DeviceID != "" {
		query = query.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Protocol != "" {
		query = query.Where("protocol = ?", filter.Protocol)
	}
	if filter.StartTime > 0 {
		query = query.Where("timestamp >= ?", filter.StartTime)
	}
	if filter.EndTime > 0 {
		query = query.Where("timestamp <= ?", filter.EndTime)
	}
	if filter.SourceIP != "" {
		query = query.Where("source_ip = ?", filter.SourceIP)
	}
	if filter.DestIP != "" {
		query = query.Where("dest_ip = ?", filter.DestIP)
	}
	if filter.ThreatLevel != "" {
		query = query.Where("threat_level = ?", filter.ThreatLevel)
	}
	if filter.MinBytes > 0 {
		query = query.Where("bytes_in + bytes_out >= ?", filter.MinBytes)
	}
	if filter.Country != "" {
		query = query.Where("country = ?", filter.Country)
	}
	if filter.City != "" {
		query = query.Where("city = ?", filter.City)
	}
	if filter.Application != "" {
		query = query.Where("application = ?", filter.Application)
	}
	if filter.MinRTTMs > 0 {
		query = query.Where("rtt_ms >= ?", filter.MinRTTMs)
	}
	if filter.MaxRTTMs > 0 {
		query = query.Where("rtt_ms <= ?", filter.MaxRTTMs)
	}
	if filter.MaxJitterMs > 0 {
		query = query.Where("jitter_ms <= ?", filter.MaxJitterMs)
	}
	if filter.MaxRetransmissions > 0 {
		query = query.Where("retransmissions <= ?", filter.MaxRetransmissions)
	}
	if filter.SNIContains != "" {
		query = query.Where("sni LIKE ?", "%"+filter.SNIContains+"%")
	}
	if filter.ConnectionState != "" {
		query = query.Where("connection_state = ?", filter.ConnectionState)
	}

	var models []FlowModel
	err := query.Order("timestamp DESC").Limit(limit).Offset(filter.Offset).Find(&models).Error
	if err != nil {
		return nil, err
	}

	flows := make([]domain.Flow, len(models))
	for i, m := range models {
		flows[i] = *flowToDomain(m)
	}
	return flows, nil
}

// SearchFlows does a substring match over the addressing and naming columns.
func (a *SQLiteAdapter) SearchFlows(ctx context.Context, term string, limit int) ([]domain.Flow, error) {
	if limit <= 0 || limit > domain.MaxPageSize {
		limit = domain.MaxPageSize
	}
	pattern := "%" + term + "%"

	var models []FlowModel
	err := a.db.WithContext(ctx).
		Where("source_ip LIKE ? OR dest_ip LIKE ? OR domain LIKE ? OR sni LIKE ? OR application LIKE ?",
			pattern, pattern, pattern, pattern, pattern).
		Order("timestamp DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	flows := make([]domain.Flow, len(models))
	for i, m := range models {
		flows[i] = *flowToDomain(m)
	}
	return flows, nil
}

// --- Threats ---

func (a *SQLiteAdapter) AddThreat(ctx context.Context, t domain.Threat) error {
	model := threatToModel(t)
	return a.withWriteRetry(ctx, func() error {
		return a.db.WithContext(ctx).Save(&model).Error
	})
}

func (a *SQLiteAdapter) GetThreat(ctx context.Context, id string) (*domain.Threat, error) {
	var model ThreatModel
	err := a.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return threatToDomain(model), nil
}

func (a *SQLiteAdapter) GetThreats(ctx context.Context, filter domain.ThreatFilter) ([]domain.Threat, error) {
	limit := filter.Limit
	if limit <= 0 || limit > domain.MaxPageSize {
		limit = domain.MaxPageSize
	}

	query := a.db.WithContext(ctx).Model(&ThreatModel{})
	if filter.ActiveOnly {
		query = query.Where("dismissed = ?", false)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.DeviceID != "" {
		query = query.Where("device_id = ?", filter.DeviceID)
	}

	var models []ThreatModel
	err := query.Order("timestamp DESC").Limit(limit).Offset(filter.Offset).Find(&models).Error
	if err != nil {
		return nil, err
	}

	threats := make([]domain.Threat, len(models))
	for i, m := range models {
		threats[i] = *threatToDomain(m)
	}
	return threats, nil
}

// DismissThreat marks a threat dismissed. Dismissing twice, or dismissing
// an unknown id, is a no-op.
func (a *SQLiteAdapter) DismissThreat(ctx context.Context, id string) error {
	return a.db.WithContext(ctx).
		Model(&ThreatModel{}).
		Where("id = ?", id).
		Update("dismissed", true).Error
}

// --- Operations ---

// CleanupOldData deletes flows older than the retention window and
// dismissed threats of the same age. Running it twice deletes nothing new.
func (a *SQLiteAdapter) CleanupOldData(ctx context.Context, days int) (domain.RetentionResult, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	var result domain.RetentionResult

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		flows := tx.Where("timestamp < ?", cutoff).Delete(&FlowModel{})
		if flows.Error != nil {
			return flows.Error
		}
		result.FlowsDeleted = flows.RowsAffected

		threats := tx.Where("timestamp < ? AND dismissed = ?", cutoff, true).Delete(&ThreatModel{})
		if threats.Error != nil {
			return threats.Error
		}
		result.ThreatsDeleted = threats.RowsAffected
		return nil
	})
	if err != nil {
		return domain.RetentionResult{}, err
	}

	a.logger.Info("retention cleanup complete",
		"flows_deleted", result.FlowsDeleted,
		"threats_deleted", result.ThreatsDeleted,
		"days", days)
	return result, nil
}

func (a *SQLiteAdapter) GetDatabaseStats(ctx context.Context) (domain.DatabaseStats, error) {
	stats := domain.DatabaseStats{Healthy: a.Healthy()}

	db := a.db.WithContext(ctx)
	if err := db.Model(&DeviceModel{}).Count(&stats.Devices).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&FlowModel{}).Count(&stats.Flows).Error; err != nil {
		return stats, err
	}
	if err := db.Model(&ThreatModel{}).Count(&stats.Threats).Error; err != nil {
		return stats, err
	}
	stats.SchemaVersion = a.schemaVersion()

	if info, err := os.Stat(a.path); err == nil {
		stats.FileSizeBytes = info.Size()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		stats.OpenConnections = sqlDB.Stats().OpenConnections
	}
	if lastErr, ok := a.lastError.Load().(string); ok {
		stats.LastError = lastErr
	}
	return stats, nil
}

// Healthy reports whether the store is accepting writes. It trips after
// several consecutive exhausted write attempts; once tripped, writes fail
// fast with ErrStoreFatal while reads continue to be served.
func (a *SQLiteAdapter) Healthy() bool {
	return a.writeFailures.Load() < healthTripAt
}

func (a *SQLiteAdapter) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withWriteRetry runs op, retrying transient SQLite failures with
// exponential backoff (1 s, 2 s, 4 s). Permanent errors surface at once.
// A store that has tripped unhealthy rejects the write without attempting it.
func (a *SQLiteAdapter) withWriteRetry(ctx context.Context, op func() error) error {
	if !a.Healthy() {
		return ErrStoreFatal
	}

	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if err = op(); err == nil {
			a.writeFailures.Store(0)
			return nil
		}
		if !isTransient(err) {
			break
		}
		a.logger.Warn("transient store error, retrying", "attempt", attempt+1, "error", err)
	}

	a.writeFailures.Add(1)
	a.lastError.Store(err.Error())
	return err
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "connection")
}

var _ ports.Storage = (*SQLiteAdapter)(nil)
