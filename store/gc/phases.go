package gc

import (
	"context"
	"fmt"
)

// phaseEvictUploaded releases staged records that are durable in the backend.
func (m *Manager) phaseEvictUploaded(ctx context.Context, result *Result) {
	m.logger.Debug("phase: evict uploaded")

	evicted, freed, err := m.target.EvictUploaded(ctx)
	result.Evicted += evicted
	result.BytesReclaimed += freed
	if err != nil {
		for _, e := range unjoin(err) {
			result.Errors = append(result.Errors, fmt.Sprintf("evict uploaded: %v", e))
		}
		m.logger.Error("failed to evict uploaded records", "error", err)
	}
}

// phaseRetryFailed resubmits uploads that are due another attempt.
func (m *Manager) phaseRetryFailed(ctx context.Context, result *Result) {
	if ctx.Err() != nil {
		return
	}
	m.logger.Debug("phase: retry failed")

	result.Retried += m.target.RetryFailed(ctx)
}

// unjoin splits an errors.Join result so each failure is reported once.
func unjoin(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
