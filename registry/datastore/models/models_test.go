package models

import (
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/require"
)

func TestBackgroundMigrationStatus_String(t *testing.T) {
	names := make(map[string]struct{})
	for _, s := range AllBackgroundMigrationStatuses {
		require.True(t, s.Valid())
		name := s.String()
		require.NotContains(t, name, "invalid")
		names[name] = struct{}{}

		parsed, err := ParseBackgroundMigrationStatus(name)
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	require.Len(t, names, len(AllBackgroundMigrationStatuses))

	require.False(t, BackgroundMigrationStatus(0).Valid())
	require.Equal(t, "invalid(42)", BackgroundMigrationStatus(42).String())

	_, err := ParseBackgroundMigrationStatus("active")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestBackgroundMigrationJobStatus_String(t *testing.T) {
	for _, s := range AllBackgroundMigrationJobStatuses {
		parsed, err := ParseBackgroundMigrationJobStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	require.Equal(t, "invalid(0)", BackgroundMigrationJobStatus(0).String())
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]BackgroundMigrationStatus]bool{
		{BackgroundMigrationPending, BackgroundMigrationRunning}:       true,
		{BackgroundMigrationRunning, BackgroundMigrationPaused}:        true,
		{BackgroundMigrationPaused, BackgroundMigrationRunning}:        true,
		{BackgroundMigrationRunning, BackgroundMigrationFinalizing}:    true,
		{BackgroundMigrationFinalizing, BackgroundMigrationSucceeded}:  true,
		{BackgroundMigrationFinalizing, BackgroundMigrationFailed}:     true,
		{BackgroundMigrationRunning, BackgroundMigrationFailed}:        true,
		{BackgroundMigrationFailed, BackgroundMigrationRunning}:        true,
	}

	for _, from := range AllBackgroundMigrationStatuses {
		for _, to := range AllBackgroundMigrationStatuses {
			want := legal[[2]BackgroundMigrationStatus{from, to}]
			require.Equalf(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	// succeeded is absorbing
	for _, to := range AllBackgroundMigrationStatuses {
		require.False(t, CanTransition(BackgroundMigrationSucceeded, to))
	}
}

func TestBBMErrorCode_String(t *testing.T) {
	require.Equal(t, "", NullErrCode.String())
	require.Equal(t, "unknown", UnknownBBMErrorCode.String())
	require.Equal(t, "planning", PlanningBBMErrCode.String())
	require.Equal(t, "verification", VerificationBBMErrCode.String())
	require.Equal(t, "job_attempts_exhausted", JobExceedsMaxAttemptBBMErrCode.String())
	require.Equal(t, "unknown_work", InvalidWorkBBMErrCode.String())
}

func TestBackgroundMigrationJob_Summary(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	j := &BackgroundMigrationJob{
		ID:         7,
		MinValue:   100,
		MaxValue:   200,
		Attempts:   1,
		StartedAt:  null.TimeFrom(started),
		FinishedAt: null.TimeFrom(started.Add(1500 * time.Millisecond)),
	}
	require.Equal(t, "100 - 200", j.Range().String())
	require.Equal(t, 1500*time.Millisecond, j.Duration())
	require.Equal(t, "#7 ran at 2024-01-02T03:04:05Z for 1500ms, 1 attempt", j.Summary())

	j.Attempts = 3
	require.Equal(t, "3 attempts", j.AttemptsLabel())

	never := &BackgroundMigrationJob{ID: 8}
	require.Zero(t, never.Duration())
	require.Equal(t, "#8 never ran, 0 attempts", never.Summary())
}

func TestPayload(t *testing.T) {
	var p Payload
	require.NoError(t, p.Scan([]byte(`{"error":"boom"}`)))
	require.Equal(t, "{\n  \"error\": \"boom\"\n}", p.Indent())

	v, err := p.Value()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"error":"boom"}`), v)

	require.NoError(t, p.Scan(nil))
	require.Empty(t, p.Indent())
	v, err = p.Value()
	require.NoError(t, err)
	require.Nil(t, v)

	require.Error(t, p.Scan(42))
}

func TestBackgroundMigrationProgress_Percent(t *testing.T) {
	tcs := []struct {
		name       string
		progress   BackgroundMigrationProgress
		want       float64
		wantCapped bool
	}{
		{
			name:     "partial",
			progress: BackgroundMigrationProgress{Status: BackgroundMigrationRunning, TotalKeys: 200, SucceededKeys: 50},
			want:     25,
		},
		{
			name:       "all jobs done but not finalized",
			progress:   BackgroundMigrationProgress{Status: BackgroundMigrationFinalizing, TotalKeys: 200, SucceededKeys: 200},
			want:       99.9,
			wantCapped: true,
		},
		{
			name:     "succeeded",
			progress: BackgroundMigrationProgress{Status: BackgroundMigrationSucceeded},
			want:     100,
		},
		{
			name:     "empty range",
			progress: BackgroundMigrationProgress{Status: BackgroundMigrationRunning},
			want:     0,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, capped := tc.progress.Percent()
			require.InDelta(t, tc.want, got, 0.0001)
			require.Equal(t, tc.wantCapped, capped)
		})
	}
}
