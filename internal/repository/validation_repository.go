package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/image-validity/internal/logging"
)

// ValidationRecord is one scored image. Batch requests produce several
// records sharing a request_id.
type ValidationRecord struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;index;size:64"`
	Filename  string    `gorm:"column:filename;size:255"`
	Source    string    `gorm:"column:source;size:16"`
	SHA1Hash  string    `gorm:"column:sha1_hash;index;size:40"`
	Score     float64   `gorm:"column:score"`
	IsValid   bool      `gorm:"column:is_valid"`
	Message   string    `gorm:"column:message;size:64"`
	FileID    string    `gorm:"column:file_id;size:128"`
	DriveURL  string    `gorm:"column:drive_url;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ValidationRecord) TableName() string {
	return "validation_records"
}

// StatsAggregation holds the rollup used by the stats endpoint.
type StatsAggregation struct {
	TotalCount   int64
	ValidCount   int64
	AverageScore float64
}

// ValidationRepository provides persistence APIs for validation records.
type ValidationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewValidationRepository creates a new repository instance.
func NewValidationRepository(db *gorm.DB, logger *zap.Logger) *ValidationRepository {
	return &ValidationRepository{
		db:             db,
		logger:         logger.Named("validation_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ValidationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ValidationRecord{})
}

// SaveRecord persists one validation record, retrying transient failures.
func (r *ValidationRepository) SaveRecord(ctx context.Context, record *ValidationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestID returns every record of a request in insertion order.
func (r *ValidationRepository) FindByRequestID(ctx context.Context, requestID string) ([]*ValidationRecord, error) {
	var records []*ValidationRecord
	if err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateStats rolls up counts and the average score across all records.
func (r *ValidationRepository) AggregateStats(ctx context.Context) (*StatsAggregation, error) {
	var agg StatsAggregation
	err := r.db.WithContext(ctx).
		Model(&ValidationRecord{}).
		Select("COUNT(*) AS total_count, " +
			"COALESCE(SUM(CASE WHEN is_valid THEN 1 ELSE 0 END), 0) AS valid_count, " +
			"COALESCE(AVG(score), 0) AS average_score").
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ValidationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
