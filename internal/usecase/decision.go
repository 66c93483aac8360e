package usecase

// DefaultThreshold is the validity cutoff the classifier was calibrated for.
const DefaultThreshold = 0.5

const (
	validMessage   = "Image is valid"
	invalidMessage = "Image is not valid"
)

// Decide applies the validity threshold to a classifier score.
func Decide(score, threshold float64) (bool, string) {
	if score >= threshold {
		return true, validMessage
	}
	return false, invalidMessage
}
