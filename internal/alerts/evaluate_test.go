package alerts_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"sensmed/internal/alerts"
	"sensmed/internal/models"
)

func TestEvaluate(t *testing.T) {
	min, max := 35.0, 38.5

	tests := []struct {
		name      string
		value     *float64
		min, max  *float64
		want      alerts.Status
		side      alerts.Side
		threshold float64
	}{
		{"absent value", nil, &min, &max, alerts.StatusUnknown, alerts.SideNone, 0},
		{"NaN is absent", models.Float(math.NaN()), &min, &max, alerts.StatusUnknown, alerts.SideNone, 0},
		{"Inf is absent", models.Float(math.Inf(1)), &min, &max, alerts.StatusUnknown, alerts.SideNone, 0},
		{"no thresholds", models.Float(1e9), nil, nil, alerts.StatusNormal, alerts.SideNone, 0},
		{"in band", models.Float(36.6), &min, &max, alerts.StatusNormal, alerts.SideNone, 0},
		{"exactly min", models.Float(min), &min, &max, alerts.StatusNormal, alerts.SideNone, 0},
		{"exactly max", models.Float(max), &min, &max, alerts.StatusNormal, alerts.SideNone, 0},
		{"just below min", models.Float(min - 0.0001), &min, &max, alerts.StatusWarning, alerts.SideLow, min},
		{"on low danger margin", models.Float(min * 0.8), &min, &max, alerts.StatusWarning, alerts.SideLow, min},
		{"far below min", models.Float(0.79 * min), &min, &max, alerts.StatusDanger, alerts.SideLow, min},
		{"just above max", models.Float(39.5), &min, &max, alerts.StatusWarning, alerts.SideHigh, max},
		{"on high danger margin", models.Float(max * 1.2), &min, &max, alerts.StatusWarning, alerts.SideHigh, max},
		{"far above max", models.Float(1.21 * max), &min, &max, alerts.StatusDanger, alerts.SideHigh, max},
		{"only floor", models.Float(1000), &min, nil, alerts.StatusNormal, alerts.SideNone, 0},
		{"only ceiling", models.Float(-1000), nil, &max, alerts.StatusNormal, alerts.SideNone, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := alerts.Evaluate(tt.value, tt.min, tt.max)
			assert.Equal(t, tt.want, v.Status)
			assert.Equal(t, tt.side, v.Side)
			if tt.side != alerts.SideNone {
				assert.Equal(t, tt.threshold, v.Threshold)
			}
		})
	}
}

func TestEvaluate_InvertedBandChecksFloorFirst(t *testing.T) {
	// min > max is trusted as given; 5 is below 10*0.8
	v := alerts.Evaluate(models.Float(5), models.Float(10), models.Float(1))
	assert.Equal(t, alerts.StatusDanger, v.Status)
	assert.Equal(t, alerts.SideLow, v.Side)
	assert.Equal(t, 10.0, v.Threshold)

	v = alerts.Evaluate(models.Float(9), models.Float(10), models.Float(1))
	assert.Equal(t, alerts.StatusWarning, v.Status)
	assert.Equal(t, alerts.SideLow, v.Side)
}

func TestWorst(t *testing.T) {
	assert.Equal(t, alerts.StatusUnknown, alerts.Worst())
	assert.Equal(t, alerts.StatusNormal, alerts.Worst(alerts.StatusUnknown, alerts.StatusNormal))
	assert.Equal(t, alerts.StatusWarning, alerts.Worst(alerts.StatusNormal, alerts.StatusWarning, alerts.StatusUnknown))
	assert.Equal(t, alerts.StatusDanger, alerts.Worst(alerts.StatusDanger, alerts.StatusWarning, alerts.StatusNormal))
}

func TestStatus_MarshalText(t *testing.T) {
	b, err := alerts.StatusDanger.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "danger", string(b))
	assert.Equal(t, "unknown", alerts.Status(42).String())
}
