package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/image-validity/internal/archive"
	"github.com/example/image-validity/internal/drive"
	"github.com/example/image-validity/internal/imageprocessor"
	"github.com/example/image-validity/internal/logging"
	"github.com/example/image-validity/internal/metrics"
	"github.com/example/image-validity/internal/repository"
)

var (
	// ErrBatchTooLarge reports a batch exceeding the configured cap. No
	// inference runs for any item of an oversized batch.
	ErrBatchTooLarge = errors.New("too many files in batch")

	// ErrModelsNotLoaded reports that the scoring pipeline is unavailable.
	ErrModelsNotLoaded = errors.New("models not loaded")

	// ErrInference reports a model execution failure on decodable input.
	ErrInference = errors.New("inference failed")

	// ErrHistoryDisabled reports that no database is configured for the
	// results and stats endpoints.
	ErrHistoryDisabled = errors.New("result history is not configured")
)

// Sources recorded on persisted validation records.
const (
	SourceUpload      = "upload"
	SourceDrive       = "drive"
	SourceArchive     = "zip"
	SourceSpreadsheet = "excel"
)

// ImageInput is one image to validate. FileID and DriveURL are set only for
// Drive-sourced inputs. The bytes are discarded once the result is built.
type ImageInput struct {
	Filename string
	Data     []byte
	Source   string
	FileID   string
	DriveURL string
}

// ValidationResult is the response document for one image. FileID and
// DriveURL appear only for Drive-sourced inputs; Error marks a batch item
// that failed without aborting its siblings.
type ValidationResult struct {
	Filename      string  `json:"filename"`
	ValidityScore float64 `json:"validity_score"`
	Percentage    float64 `json:"percentage"`
	IsValid       bool    `json:"is_valid"`
	Message       string  `json:"message"`
	FileID        string  `json:"file_id,omitempty"`
	DriveURL      string  `json:"drive_url,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// BatchResult carries per-image results in input order.
type BatchResult struct {
	Results []ValidationResult `json:"results"`
}

// Normalizer converts encoded image bytes into a model-ready tensor.
type Normalizer interface {
	Normalize(data []byte) (*imageprocessor.Tensor, error)
}

// Scorer runs the two-stage model on a normalized tensor.
type Scorer interface {
	Score(ctx context.Context, tensor *imageprocessor.Tensor) (float64, error)
	Ready() bool
}

// DriveFetcher downloads an image behind a Google Drive sharing link.
type DriveFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*drive.File, error)
}

// ValidationRepository defines the persistence operations needed by the use case.
type ValidationRepository interface {
	SaveRecord(ctx context.Context, record *repository.ValidationRecord) error
	FindByRequestID(ctx context.Context, requestID string) ([]*repository.ValidationRecord, error)
	AggregateStats(ctx context.Context) (*repository.StatsAggregation, error)
}

// Settings carries the request-independent knobs. Zero values select the
// defaults.
type Settings struct {
	Threshold     float64
	MaxBatchSize  int
	MaxZipEntries int
	ScoreTTL      time.Duration
}

const (
	defaultMaxBatchSize  = 10
	defaultMaxZipEntries = 100
	defaultScoreTTL      = 24 * time.Hour
)

// ValidationUseCase orchestrates normalization, caching, inference and
// persistence for every validation flow.
type ValidationUseCase struct {
	normalizer Normalizer
	scorer     Scorer
	cache      Cache
	repo       ValidationRepository
	fetcher    DriveFetcher
	collector  *metrics.Collector
	logger     *zap.Logger

	threshold     float64
	maxBatchSize  int
	maxZipEntries int
	scoreTTL      time.Duration

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewValidationUseCase constructs a new use case instance. cache, repo and
// collector may be nil, which disables score caching, history and metrics
// respectively.
func NewValidationUseCase(normalizer Normalizer, scorer Scorer, cache Cache, repo ValidationRepository, fetcher DriveFetcher, collector *metrics.Collector, settings Settings, logger *zap.Logger) *ValidationUseCase {
	if settings.Threshold <= 0 {
		settings.Threshold = DefaultThreshold
	}
	if settings.MaxBatchSize <= 0 {
		settings.MaxBatchSize = defaultMaxBatchSize
	}
	if settings.MaxZipEntries <= 0 {
		settings.MaxZipEntries = defaultMaxZipEntries
	}
	if settings.ScoreTTL <= 0 {
		settings.ScoreTTL = defaultScoreTTL
	}

	return &ValidationUseCase{
		normalizer:     normalizer,
		scorer:         scorer,
		cache:          cache,
		repo:           repo,
		fetcher:        fetcher,
		collector:      collector,
		logger:         logger.Named("validation_usecase"),
		threshold:      settings.Threshold,
		maxBatchSize:   settings.MaxBatchSize,
		maxZipEntries:  settings.MaxZipEntries,
		scoreTTL:       settings.ScoreTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ModelsLoaded reports whether the scoring pipeline is ready.
func (uc *ValidationUseCase) ModelsLoaded() bool {
	return uc.scorer != nil && uc.scorer.Ready()
}

// Threshold returns the configured validity cutoff.
func (uc *ValidationUseCase) Threshold() float64 {
	return uc.threshold
}

// MaxBatchSize returns the configured batch cap.
func (uc *ValidationUseCase) MaxBatchSize() int {
	return uc.maxBatchSize
}

// ValidateImage scores a single image.
func (uc *ValidationUseCase) ValidateImage(ctx context.Context, input ImageInput) (string, *ValidationResult, error) {
	if !uc.ModelsLoaded() {
		return "", nil, ErrModelsNotLoaded
	}

	requestID := uuid.NewString()
	result, err := uc.validateOne(ctx, requestID, input)
	if err != nil {
		return "", nil, err
	}
	return requestID, result, nil
}

// ValidateBatch scores up to the configured cap of images, preserving input
// order. A failing item is reported in place; its siblings still run.
func (uc *ValidationUseCase) ValidateBatch(ctx context.Context, inputs []ImageInput) (string, *BatchResult, error) {
	if len(inputs) > uc.maxBatchSize {
		return "", nil, fmt.Errorf("%w: maximum is %d files", ErrBatchTooLarge, uc.maxBatchSize)
	}
	if !uc.ModelsLoaded() {
		return "", nil, ErrModelsNotLoaded
	}

	requestID := uuid.NewString()
	results := make([]ValidationResult, 0, len(inputs))
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		results = append(results, uc.validateItem(ctx, requestID, input))
	}
	return requestID, &BatchResult{Results: results}, nil
}

// ValidateDriveURL downloads one Drive file and scores it.
func (uc *ValidationUseCase) ValidateDriveURL(ctx context.Context, driveURL string) (string, *ValidationResult, error) {
	if !uc.ModelsLoaded() {
		return "", nil, ErrModelsNotLoaded
	}

	input, err := uc.driveInput(ctx, driveURL)
	if err != nil {
		uc.collector.ObserveValidation(metrics.OutcomeError)
		uc.observeFailure(err, "usecase.drive_fetch")
		return "", nil, err
	}

	requestID := uuid.NewString()
	result, err := uc.validateOne(ctx, requestID, *input)
	if err != nil {
		return "", nil, err
	}
	return requestID, result, nil
}

// ValidateDriveURLs downloads and scores a set of Drive links, preserving
// input order. Fetch and scoring failures are reported in place.
func (uc *ValidationUseCase) ValidateDriveURLs(ctx context.Context, driveURLs []string) (string, *BatchResult, error) {
	if len(driveURLs) > uc.maxBatchSize {
		return "", nil, fmt.Errorf("%w: maximum is %d links", ErrBatchTooLarge, uc.maxBatchSize)
	}
	if !uc.ModelsLoaded() {
		return "", nil, ErrModelsNotLoaded
	}

	requestID := uuid.NewString()
	results := make([]ValidationResult, 0, len(driveURLs))
	for _, driveURL := range driveURLs {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		input, err := uc.driveInput(ctx, driveURL)
		if err != nil {
			uc.collector.ObserveValidation(metrics.OutcomeError)
			uc.observeFailure(err, "usecase.drive_fetch")
			results = append(results, ValidationResult{DriveURL: driveURL, Error: err.Error()})
			continue
		}
		results = append(results, uc.validateItem(ctx, requestID, *input))
	}
	return requestID, &BatchResult{Results: results}, nil
}

// ValidateArchive extracts a zip archive's images and scores them in
// archive order. The entry cap is enforced during extraction.
func (uc *ValidationUseCase) ValidateArchive(ctx context.Context, data []byte) (string, *BatchResult, error) {
	if !uc.ModelsLoaded() {
		return "", nil, ErrModelsNotLoaded
	}

	entries, err := archive.ExtractImages(data, uc.maxZipEntries)
	if err != nil {
		return "", nil, err
	}

	requestID := uuid.NewString()
	results := make([]ValidationResult, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		input := ImageInput{Filename: entry.Name, Data: entry.Data, Source: SourceArchive}
		results = append(results, uc.validateItem(ctx, requestID, input))
	}
	return requestID, &BatchResult{Results: results}, nil
}

// GetResults returns the persisted records of a past request.
func (uc *ValidationUseCase) GetResults(ctx context.Context, requestID string) ([]*repository.ValidationRecord, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	return uc.repo.FindByRequestID(ctx, requestID)
}

// driveInput fetches the bytes behind a sharing link and tags them with
// their provenance.
func (uc *ValidationUseCase) driveInput(ctx context.Context, driveURL string) (*ImageInput, error) {
	file, err := uc.fetcher.Fetch(ctx, driveURL)
	if err != nil {
		return nil, err
	}
	return &ImageInput{
		Filename: file.Name,
		Data:     file.Data,
		Source:   SourceDrive,
		FileID:   file.ID,
		DriveURL: driveURL,
	}, nil
}

// validateItem wraps validateOne for batch flows: a failure becomes an
// in-place error entry instead of aborting the batch.
func (uc *ValidationUseCase) validateItem(ctx context.Context, requestID string, input ImageInput) ValidationResult {
	result, err := uc.validateOne(ctx, requestID, input)
	if err != nil {
		return ValidationResult{
			Filename: input.Filename,
			FileID:   input.FileID,
			DriveURL: input.DriveURL,
			Error:    err.Error(),
		}
	}
	return *result
}

// validateOne runs the full pipeline for one image: cached score or
// normalize+infer, then the threshold decision, then optional persistence.
func (uc *ValidationUseCase) validateOne(ctx context.Context, requestID string, input ImageInput) (*ValidationResult, error) {
	opLogger := logging.WithSource(
		logging.WithOperation(uc.logger, "usecase.validate_image", requestID), input.Source)

	sum := sha1.Sum(input.Data)
	hashHex := hex.EncodeToString(sum[:])

	score, cached := uc.cachedScore(ctx, requestID, hashHex)
	if !cached {
		tensor, err := uc.normalizer.Normalize(input.Data)
		if err != nil {
			uc.collector.ObserveValidation(metrics.OutcomeError)
			uc.observeFailure(err, "usecase.normalize")
			opLogger.Warn("normalization failed",
				zap.String("filename", input.Filename), zap.Error(err))
			return nil, err
		}

		started := time.Now()
		score, err = uc.scorer.Score(ctx, tensor)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.model_inference", requestID,
				fmt.Errorf("%w: %v", ErrInference, err))
			uc.collector.ObserveValidation(metrics.OutcomeError)
			uc.observeFailure(wrapped, "usecase.model_inference")
			opLogger.Error("inference failed",
				zap.String("filename", input.Filename), zap.Error(wrapped))
			return nil, wrapped
		}
		uc.collector.ObserveInference(time.Since(started))
		uc.storeScore(ctx, requestID, hashHex, score)
	}

	isValid, message := Decide(score, uc.threshold)
	if isValid {
		uc.collector.ObserveValidation(metrics.OutcomeValid)
	} else {
		uc.collector.ObserveValidation(metrics.OutcomeInvalid)
	}

	result := &ValidationResult{
		Filename:      input.Filename,
		ValidityScore: score,
		Percentage:    score * 100,
		IsValid:       isValid,
		Message:       message,
		FileID:        input.FileID,
		DriveURL:      input.DriveURL,
	}

	opLogger.Info("image validated",
		zap.String("filename", input.Filename),
		zap.Float64("score", score),
		zap.Bool("is_valid", isValid),
		zap.Bool("cached", cached))

	uc.persist(ctx, requestID, input, hashHex, result)
	return result, nil
}

// persist saves the record when a database is configured. Persistence is a
// supplement to the response contract, so failures are logged, not
// surfaced.
func (uc *ValidationUseCase) persist(ctx context.Context, requestID string, input ImageInput, hashHex string, result *ValidationResult) {
	if uc.repo == nil {
		return
	}

	record := &repository.ValidationRecord{
		RequestID: requestID,
		Filename:  result.Filename,
		Source:    input.Source,
		SHA1Hash:  hashHex,
		Score:     result.ValidityScore,
		IsValid:   result.IsValid,
		Message:   result.Message,
		FileID:    result.FileID,
		DriveURL:  result.DriveURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		uc.observeFailure(err, "usecase.save_record")
		logging.WithOperation(uc.logger, "usecase.save_record", requestID).
			Error("failed to persist validation record", zap.Error(err))
	}
}

// observeFailure counts a failure under its operation annotation, falling
// back to the caller's stage name for unannotated errors.
func (uc *ValidationUseCase) observeFailure(err error, fallback string) {
	operation, ok := logging.OperationOf(err)
	if !ok {
		operation = fallback
	}
	uc.collector.ObserveFailure(operation)
}

func scoreCacheKey(hashHex string) string {
	return "validity:score:" + hashHex
}

// cachedScore looks up a previous score for the same bytes. Any cache
// problem degrades to a miss.
func (uc *ValidationUseCase) cachedScore(ctx context.Context, requestID, hashHex string) (float64, bool) {
	if uc.cache == nil {
		return 0, false
	}

	value, err := uc.withRedisGet(ctx, requestID, "cache.get.score", scoreCacheKey(hashHex))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "cache.get.score", requestID).
				Warn("failed to read score cache", zap.Error(err))
		}
		return 0, false
	}

	score, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// storeScore caches the score keyed by content hash. Identical bytes then
// skip inference entirely on later requests.
func (uc *ValidationUseCase) storeScore(ctx context.Context, requestID, hashHex string, score float64) {
	if uc.cache == nil {
		return
	}

	err := uc.withRedisRetry(ctx, requestID, "cache.set.score", func() error {
		return uc.cache.Set(ctx, scoreCacheKey(hashHex),
			strconv.FormatFloat(score, 'f', -1, 64), uc.scoreTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.score", requestID).
			Warn("failed to cache score", zap.Error(err))
	}
}

func (uc *ValidationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ValidationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
