package congestion

import (
	"testing"

	"github.com/go-norm/norm"
	"github.com/stretchr/testify/assert"
)

func TestLossEstimatorFirstObservationSyncsOnly(t *testing.T) {
	e := NewLossEstimator(0.1)
	opened := e.Update(0, 100, false)
	assert.False(t, opened)
	assert.Zero(t, e.LossFraction(0))
}

func TestLossEstimatorDetectsGap(t *testing.T) {
	e := NewLossEstimator(0.1)
	e.Update(0, 1, false)
	opened := e.Update(1, 3, false) // seq jumped by 2: one loss
	assert.True(t, opened)
	assert.Greater(t, e.LossFraction(1.5), 0.0)
}

func TestLossEstimatorIgnoresOutOfOrder(t *testing.T) {
	e := NewLossEstimator(0.1)
	e.Update(0, 10, false)
	opened := e.Update(1, 9, false) // went backwards
	assert.False(t, opened)
}

func TestLossEstimatorResyncsOnLargeOutage(t *testing.T) {
	e := NewLossEstimator(0.1)
	e.Update(0, 10, false)
	opened := e.Update(1, 10+MaxOutage+1, false)
	assert.False(t, opened)
}

func TestLossEstimatorSuppressesWithinWindow(t *testing.T) {
	e := NewLossEstimator(1.0) // 1 second window
	e.Update(0, 1, false)
	opened1 := e.Update(1, 3, false)
	opened2 := e.Update(1.2, 5, false) // within the window
	assert.True(t, opened1)
	assert.False(t, opened2)
}

func TestLossEstimatorMultipleEventsBuildHistory(t *testing.T) {
	e := NewLossEstimator(0.05)
	seq := uint16(1)
	tm := 0.0
	e.Update(tm, seq, false)
	for i := 0; i < 5; i++ {
		tm += 1.0
		seq += 2 // gap of one each time
		opened := e.Update(tm, seq, false)
		assert.True(t, opened)
	}
	assert.GreaterOrEqual(t, len(e.history), 3)
	assert.Greater(t, e.LossFraction(tm), 0.0)
}

func TestEWMALossEstimator(t *testing.T) {
	e := NewEWMALossEstimator(0.5)
	e.Update(false)
	assert.Zero(t, e.LossFraction())
	e.Update(true)
	assert.InDelta(t, 0.5, e.LossFraction(), 1e-9)
}

func TestTFRCRateDecreasesWithLoss(t *testing.T) {
	rLow := TFRCRate(1400, 0.05, 0.001, 0)
	rHigh := TFRCRate(1400, 0.05, 0.1, 0)
	assert.Greater(t, rLow, rHigh)
}

func TestTFRCRateZeroLossDoesNotBlowUp(t *testing.T) {
	r := TFRCRate(1400, 0.05, 0, 0)
	assert.Greater(t, r, 0.0)
	assert.Less(t, r, 1e12)
}

func TestQuantizedRateClamps(t *testing.T) {
	r := QuantizedRate(1400, 0.05, 0.5, 0, 1000, 5000)
	assert.GreaterOrEqual(t, r, 1000.0)
	assert.LessOrEqual(t, r, 5000.0)
}

func TestGrttEstimatorEWMA(t *testing.T) {
	g := NewGrttEstimator(0.5, 0.01, 10)
	g.Update(1.0)
	assert.Equal(t, 1.0, g.Estimate())
	g.Update(2.0)
	assert.InDelta(t, 1.5, g.Estimate(), 1e-9)
}

func TestGrttEstimatorClampsToBounds(t *testing.T) {
	g := NewGrttEstimator(1.0, 0.1, 2.0)
	g.Update(5.0)
	assert.Equal(t, 2.0, g.Estimate())
}

func TestNextGrttIntervalGeometricBackoff(t *testing.T) {
	next := NextGrttInterval(1.0, DefaultGrttIntervalMin, DefaultGrttIntervalMax)
	assert.InDelta(t, 1.5, next, 1e-9)
	capped := NextGrttInterval(25.0, DefaultGrttIntervalMin, DefaultGrttIntervalMax)
	assert.Equal(t, DefaultGrttIntervalMax, capped)
}

func TestSelectCLRPicksLowestRate(t *testing.T) {
	fb := []Feedback{
		{Node: 1, Rate: 5000},
		{Node: 2, Rate: 1000},
		{Node: 3, Rate: 3000},
	}
	clr, ok := SelectCLR(fb)
	assert.True(t, ok)
	assert.Equal(t, norm.NodeId(2), clr.Node)
}

func TestSelectPLRExcludesCLR(t *testing.T) {
	fb := []Feedback{
		{Node: 1, Rate: 5000},
		{Node: 2, Rate: 1000},
		{Node: 3, Rate: 3000},
	}
	plr, ok := SelectPLR(fb, 2)
	assert.True(t, ok)
	assert.Equal(t, norm.NodeId(3), plr.Node)
}

func TestSelectCLREmptyFeedback(t *testing.T) {
	_, ok := SelectCLR(nil)
	assert.False(t, ok)
}
