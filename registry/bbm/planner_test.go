package bbm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tigrisdata/batchmigrate/registry/datastore/models"
)

func TestNextRange(t *testing.T) {
	tcs := []struct {
		name      string
		migration models.BackgroundMigration
		want      models.Range
		wantOK    bool
		wantErr   error
	}{
		{
			name:      "first batch",
			migration: models.BackgroundMigration{MinValue: 0, MaxValue: 250, BatchSize: 100, Cursor: 0},
			want:      models.Range{Min: 0, Max: 100},
			wantOK:    true,
		},
		{
			name:      "last batch is capped",
			migration: models.BackgroundMigration{MinValue: 0, MaxValue: 250, BatchSize: 100, Cursor: 200},
			want:      models.Range{Min: 200, Max: 250},
			wantOK:    true,
		},
		{
			name:      "exhausted",
			migration: models.BackgroundMigration{MinValue: 0, MaxValue: 250, BatchSize: 100, Cursor: 250},
		},
		{
			name:      "empty migration",
			migration: models.BackgroundMigration{MinValue: 10, MaxValue: 10, BatchSize: 5, Cursor: 10},
		},
		{
			name:      "negative keys",
			migration: models.BackgroundMigration{MinValue: -50, MaxValue: 50, BatchSize: 30, Cursor: -50},
			want:      models.Range{Min: -50, Max: -20},
			wantOK:    true,
		},
		{
			name:      "overflow is clamped",
			migration: models.BackgroundMigration{MinValue: 0, MaxValue: math.MaxInt64, BatchSize: math.MaxInt64, Cursor: 10},
			want:      models.Range{Min: 10, Max: math.MaxInt64},
			wantOK:    true,
		},
		{
			name:      "full int64 span",
			migration: models.BackgroundMigration{MinValue: math.MinInt64, MaxValue: math.MaxInt64, BatchSize: 1000, Cursor: math.MinInt64},
			want:      models.Range{Min: math.MinInt64, Max: math.MinInt64 + 1000},
			wantOK:    true,
		},
		{
			name:      "zero batch size",
			migration: models.BackgroundMigration{MinValue: 0, MaxValue: 10, BatchSize: 0},
			wantErr:   ErrInvalidBatchSize,
		},
		{
			name:      "inverted bounds",
			migration: models.BackgroundMigration{MinValue: 10, MaxValue: 0, BatchSize: 1, Cursor: 10},
			wantErr:   ErrInvalidRange,
		},
		{
			name:      "cursor before range",
			migration: models.BackgroundMigration{MinValue: 10, MaxValue: 20, BatchSize: 1, Cursor: 5},
			wantErr:   ErrInvalidRange,
		},
		{
			name:      "cursor past range",
			migration: models.BackgroundMigration{MinValue: 10, MaxValue: 20, BatchSize: 1, Cursor: 21},
			wantErr:   ErrInvalidRange,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := NextRange(&tc.migration)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantOK, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNextRange_TilesTheRange(t *testing.T) {
	m := &models.BackgroundMigration{MinValue: 3, MaxValue: 1000, BatchSize: 7}
	m.Cursor = m.MinValue

	var ranges []models.Range
	for {
		r, ok, err := NextRange(m)
		require.NoError(t, err)
		if !ok {
			break
		}
		require.Positive(t, r.Size())
		require.LessOrEqual(t, r.Size(), m.BatchSize)
		ranges = append(ranges, r)
		m.Cursor = r.Max
	}

	require.Len(t, ranges, 143)
	require.NoError(t, VerifyCoverage(m.MinValue, m.MaxValue, ranges))
}

func TestVerifyCoverage(t *testing.T) {
	tcs := []struct {
		name    string
		lo, hi  int64
		ranges  []models.Range
		wantErr error
	}{
		{name: "exact tiling", lo: 0, hi: 250, ranges: []models.Range{{Min: 0, Max: 100}, {Min: 100, Max: 200}, {Min: 200, Max: 250}}},
		{name: "empty migration", lo: 5, hi: 5},
		{name: "gap in the middle", lo: 0, hi: 250, ranges: []models.Range{{Min: 0, Max: 100}, {Min: 150, Max: 250}}, wantErr: ErrCoverageGap},
		{name: "gap at the start", lo: 0, hi: 250, ranges: []models.Range{{Min: 50, Max: 250}}, wantErr: ErrCoverageGap},
		{name: "gap at the end", lo: 0, hi: 250, ranges: []models.Range{{Min: 0, Max: 200}}, wantErr: ErrCoverageGap},
		{name: "no ranges", lo: 0, hi: 1, wantErr: ErrCoverageGap},
		{name: "overlap", lo: 0, hi: 250, ranges: []models.Range{{Min: 0, Max: 100}, {Min: 90, Max: 250}}, wantErr: ErrCoverageOverlap},
		{name: "past the end", lo: 0, hi: 250, ranges: []models.Range{{Min: 0, Max: 300}}, wantErr: ErrCoverageOverlap},
		{name: "empty range", lo: 0, hi: 250, ranges: []models.Range{{Min: 0, Max: 0}, {Min: 0, Max: 250}}, wantErr: ErrCoverageGap},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyCoverage(tc.lo, tc.hi, tc.ranges)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}
