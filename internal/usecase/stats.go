package usecase

import "context"

// StatsSummary represents aggregated validation insights.
type StatsSummary struct {
	TotalValidations int64   `json:"total_validations"`
	ValidCount       int64   `json:"valid_count"`
	ValidRate        float64 `json:"valid_rate"`
	AverageScore     float64 `json:"average_score"`
}

// GetStatsSummary aggregates validation statistics from persisted records.
func (uc *ValidationUseCase) GetStatsSummary(ctx context.Context) (*StatsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}

	aggregation, err := uc.repo.AggregateStats(ctx)
	if err != nil {
		return nil, err
	}

	summary := &StatsSummary{
		TotalValidations: aggregation.TotalCount,
		ValidCount:       aggregation.ValidCount,
		AverageScore:     aggregation.AverageScore,
	}

	if aggregation.TotalCount > 0 {
		summary.ValidRate = float64(aggregation.ValidCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
