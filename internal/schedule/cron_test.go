package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowdeck/backend/internal/fault"
)

func TestNextFireTime_NewYorkMorning(t *testing.T) {
	ref := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC) // 07:00 EST
	next, err := NextFireTime("0 9 * * *", "America/New_York", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 4, 14, 0, 0, int(time.Millisecond), time.UTC), next)

	following, err := NextFireTime("0 9 * * *", "America/New_York", next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 5, 14, 0, 0, int(time.Millisecond), time.UTC), following)
}

func TestNextFireTime_FollowsDaylightSaving(t *testing.T) {
	ref := time.Date(2025, 3, 8, 15, 0, 0, 0, time.UTC) // after 9:00 EST on the day before DST starts
	next, err := NextFireTime("0 9 * * *", "America/New_York", ref)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 9, 13, 0, 0, int(time.Millisecond), time.UTC), next, "9:00 EDT is 13:00 UTC")
}

func TestNextFireTime_StrictlyAfterAndDeterministic(t *testing.T) {
	exprs := []string{"* * * * *", "*/5 * * * *", "0 9 * * 1-5", "30 2 1 * *", "@hourly", "*/10 * * * * *", "0 0 29 2 *"}
	zones := []string{"", "UTC", "America/New_York", "Asia/Kolkata", "Australia/Lord_Howe"}
	refs := []time.Time{
		time.Date(2024, 12, 31, 23, 59, 59, 999_000_000, time.UTC),
		time.Date(2025, 3, 9, 7, 0, 0, 0, time.UTC),
		time.Date(2025, 11, 2, 5, 30, 0, 500, time.UTC),
		time.Date(2025, 6, 15, 14, 0, 0, int(time.Millisecond), time.UTC),
	}
	for _, expr := range exprs {
		for _, tz := range zones {
			for _, ref := range refs {
				a, err := NextFireTime(expr, tz, ref)
				require.NoError(t, err, "%s %s", expr, tz)
				b, err := NextFireTime(expr, tz, ref)
				require.NoError(t, err)
				assert.True(t, a.After(ref), "%s in %q from %s gave %s", expr, tz, ref, a)
				assert.Equal(t, a, b)
			}
		}
	}
}

func TestNudge(t *testing.T) {
	whole := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, whole.Add(time.Millisecond), Nudge(whole))

	fractional := whole.Add(250 * time.Millisecond)
	assert.Equal(t, fractional, Nudge(fractional))

	tiny := whole.Add(time.Nanosecond)
	assert.Equal(t, tiny, Nudge(tiny))
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name, expr, tz, field string
	}{
		{"empty", " ", "", "cronExpression"},
		{"garbage", "every day", "", "cronExpression"},
		{"out of range", "61 * * * *", "", "cronExpression"},
		{"bad timezone", "0 9 * * *", "Mars/Olympus", "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr, tt.tz)
			f, ok := fault.As(err)
			require.True(t, ok)
			assert.Equal(t, fault.CodeValidation, f.Code)
			assert.False(t, f.Retryable)
			require.NotEmpty(t, f.Fields)
			assert.Equal(t, tt.field, f.Fields[0].Field)
		})
	}
}

func TestNextFireTime_NeverFires(t *testing.T) {
	_, err := NextFireTime("0 0 30 2 *", "UTC", time.Now())
	assert.True(t, fault.Is(err, fault.CodeValidation))
}

func TestCheckSchedulable(t *testing.T) {
	assert.NoError(t, CheckSchedulable(true, []string{"0 9 * * *"}, "America/New_York"))
	assert.True(t, fault.Is(CheckSchedulable(false, []string{"0 9 * * *"}, ""), fault.CodeValidation))
	assert.True(t, fault.Is(CheckSchedulable(true, nil, ""), fault.CodeValidation))
	assert.True(t, fault.Is(CheckSchedulable(true, []string{"0 9 * * *", "0 10 * * *"}, ""), fault.CodeValidation))
	assert.True(t, fault.Is(CheckSchedulable(true, []string{"nope"}, ""), fault.CodeValidation))
}
