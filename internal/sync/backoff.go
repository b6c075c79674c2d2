package sync

// calculateBackoff calculates exponential backoff delay in seconds.
// Formula: 2^attempts * 60, capped at 3600 seconds (1 hour).
func calculateBackoff(attempts int) int64 {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 6 {
		// 2^6*60 already exceeds the cap
		attempts = 6
	}

	backoff := int64(1) << uint(attempts)
	backoff = backoff * 60

	maxBackoff := int64(3600)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}
