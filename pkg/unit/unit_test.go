package unit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/3leaps/gohindcast/pkg/geo"
)

func testUnit() Unit {
	return Unit{
		Source: "ww3-hindcast",
		Region: geo.Point(41, -124),
		Window: geo.TimeWindow{
			Start: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2015, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestUnit_ID(t *testing.T) {
	u := testUnit()
	assert.Equal(t, "ww3-hindcast:p41.0000_-124.0000:20150101_20150201", u.ID())

	u.Variable = "Thgt"
	assert.Equal(t, "ww3-hindcast:p41.0000_-124.0000:20150101_20150201:Thgt", u.ID())
	assert.Equal(t, "ww3-hindcast:p41.0000_-124.0000:20150101_20150201", u.ChunkKey())
}

func TestUnit_DepthIdentity(t *testing.T) {
	u := testUnit()
	u.Profile = true
	assert.Equal(t, "profile", u.DepthKey())

	lvl := u.WithLevel(3)
	assert.False(t, lvl.Profile)
	assert.Equal(t, "L3", lvl.DepthKey())
	assert.True(t, u.Profile, "WithLevel must not modify the receiver")

	fixed := testUnit()
	fixed.Depth = &geo.DepthRange{Min: 0, Max: 50}
	assert.Equal(t, "z0-50", fixed.DepthKey())
	assert.NotEqual(t, fixed.ID(), testUnit().ID())
}

func TestWorst(t *testing.T) {
	assert.Equal(t, StatusSkipped, Worst())
	assert.Equal(t, StatusCompleted, Worst(StatusSkipped, StatusCompleted))
	assert.Equal(t, StatusTimedOut, Worst(StatusCompleted, StatusErrored, StatusTimedOut))
	assert.Equal(t, StatusAborted, Worst(StatusTimedOut, StatusAborted))
}

func TestOutcome_Detail(t *testing.T) {
	o := Outcome{Status: StatusErrored, Reason: ReasonDataAbsent, Err: errors.New("404 Not Found")}
	assert.True(t, o.DataAbsent())
	assert.True(t, o.Worked())
	assert.Equal(t, "data_absent: 404 Not Found", o.Detail())

	skipped := Outcome{Status: StatusSkipped}
	assert.False(t, skipped.Worked())
	assert.Empty(t, skipped.Detail())
}
