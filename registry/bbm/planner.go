package bbm

import (
	"fmt"

	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

// NextRange returns the range following the cursor of m, capped at the migration upper bound. The second return value
// is false once the cursor reached the upper bound and there is nothing left to plan.
func NextRange(m *models.BackgroundMigration) (models.Range, bool, error) {
	if m.BatchSize <= 0 {
		return models.Range{}, false, fmt.Errorf("%w: %d", ErrInvalidBatchSize, m.BatchSize)
	}
	if m.MinValue > m.MaxValue {
		return models.Range{}, false, fmt.Errorf("%w: min value %d is greater than max value %d", ErrInvalidRange, m.MinValue, m.MaxValue)
	}
	if m.Cursor < m.MinValue || m.Cursor > m.MaxValue {
		return models.Range{}, false, fmt.Errorf("%w: cursor %d is outside of %s", ErrInvalidRange, m.Cursor, m.Range())
	}

	lo := m.Cursor
	if lo >= m.MaxValue {
		return models.Range{}, false, nil
	}

	// the distance is computed unsigned as it may not fit an int64
	hi := m.MaxValue
	if uint64(m.BatchSize) < uint64(m.MaxValue)-uint64(lo) {
		hi = lo + m.BatchSize
	}

	return models.Range{Min: lo, Max: hi}, true, nil
}

// VerifyCoverage checks that ranges, sorted by their lower bound, tile [lo, hi) exactly. It reports the first gap or
// overlap found.
func VerifyCoverage(lo, hi int64, ranges []models.Range) error {
	next := lo
	for _, r := range ranges {
		switch {
		case r.Max <= r.Min:
			return fmt.Errorf("%w: empty range %s", ErrCoverageGap, r)
		case r.Min > next:
			return fmt.Errorf("%w: keys %s are not covered", ErrCoverageGap, models.Range{Min: next, Max: r.Min})
		case r.Min < next:
			return fmt.Errorf("%w: range %s starts before %d", ErrCoverageOverlap, r, next)
		}
		next = r.Max
	}

	if next < hi {
		return fmt.Errorf("%w: keys %s are not covered", ErrCoverageGap, models.Range{Min: next, Max: hi})
	}
	if next > hi {
		return fmt.Errorf("%w: ranges end at %d, past %d", ErrCoverageOverlap, next, hi)
	}

	return nil
}
