package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/edgequota/internal/ratelimit"
)

func TestParseUnit(t *testing.T) {
	tests := []struct {
		in      string
		want    Unit
		wantErr bool
	}{
		{"second", Second, false},
		{"Minute", Minute, false},
		{" hour ", Hour, false},
		{"day", Day, false},
		{"week", Week, false},
		{"month", Month, false},
		{"fortnight", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnit(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ratelimit.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("accepts rolling and calendar policies", func(t *testing.T) {
		assert.NoError(t, Policy{Unit: Minute, Interval: 1}.Validate())
		assert.NoError(t, Policy{Unit: Day, Interval: 3, Start: anchor}.Validate())
		assert.NoError(t, Policy{Unit: Month, Interval: 1}.Validate())
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		assert.ErrorIs(t, Policy{Unit: Minute, Interval: 0}.Validate(), ratelimit.ErrConfiguration)
		assert.ErrorIs(t, Policy{Unit: Minute, Interval: -2}.Validate(), ratelimit.ErrConfiguration)
	})

	t.Run("rejects unknown unit", func(t *testing.T) {
		assert.ErrorIs(t, Policy{Unit: "year", Interval: 1}.Validate(), ratelimit.ErrConfiguration)
	})

	t.Run("rejects month with start time", func(t *testing.T) {
		err := Policy{Unit: Month, Interval: 1, Start: anchor}.Validate()
		assert.ErrorIs(t, err, ratelimit.ErrConfiguration)
	})
}

func TestPolicy_ExpiresAt_Rolling(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 30, 15, 0, time.UTC)

	tests := []struct {
		unit     Unit
		interval int
		want     time.Duration
	}{
		{Second, 1, time.Second},
		{Minute, 5, 5 * time.Minute},
		{Hour, 2, 2 * time.Hour},
		{Day, 1, 24 * time.Hour},
		{Week, 2, 14 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(string(tt.unit), func(t *testing.T) {
			p := Policy{Unit: tt.unit, Interval: tt.interval}
			assert.Equal(t, now.Add(tt.want), p.ExpiresAt(now))
			assert.Equal(t, tt.want, p.TTL(now))
		})
	}
}

func TestPolicy_ExpiresAt_Calendar(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{Unit: Minute, Interval: 1, Start: anchor}

	t.Run("alignment does not depend on first touch", func(t *testing.T) {
		assert.Equal(t, p.ExpiresAt(anchor), p.ExpiresAt(anchor.Add(27*time.Second)))
		assert.Equal(t, p.ExpiresAt(anchor.Add(60*time.Second)), p.ExpiresAt(anchor.Add(83*time.Second)))
		assert.Equal(t, anchor.Add(time.Minute), p.ExpiresAt(anchor.Add(27*time.Second)))
		assert.Equal(t, anchor.Add(2*time.Minute), p.ExpiresAt(anchor.Add(83*time.Second)))
	})

	t.Run("boundary instant starts the next slice", func(t *testing.T) {
		assert.Equal(t, anchor.Add(2*time.Minute), p.ExpiresAt(anchor.Add(time.Minute)))
	})

	t.Run("instants before the anchor stay aligned", func(t *testing.T) {
		assert.Equal(t, anchor, p.ExpiresAt(anchor.Add(-10*time.Second)))
	})

	t.Run("multi-unit interval", func(t *testing.T) {
		hourly := Policy{Unit: Hour, Interval: 6, Start: anchor}
		assert.Equal(t, anchor.Add(12*time.Hour), hourly.ExpiresAt(anchor.Add(7*time.Hour)))
	})
}

func TestPolicy_ExpiresAt_Month(t *testing.T) {
	p := Policy{Unit: Month, Interval: 1}

	t.Run("last millisecond of current month", func(t *testing.T) {
		now := time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC)
		want := time.Date(2024, 2, 29, 23, 59, 59, int(999*time.Millisecond), time.UTC)
		assert.Equal(t, want, p.ExpiresAt(now))
	})

	t.Run("december rolls into next year", func(t *testing.T) {
		now := time.Date(2023, 12, 31, 1, 0, 0, 0, time.UTC)
		want := time.Date(2023, 12, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC)
		assert.Equal(t, want, p.ExpiresAt(now))
	})

	t.Run("at the last millisecond moves to next month", func(t *testing.T) {
		now := time.Date(2024, 4, 30, 23, 59, 59, int(999*time.Millisecond), time.UTC)
		want := time.Date(2024, 5, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC)
		assert.Equal(t, want, p.ExpiresAt(now))
	})
}
