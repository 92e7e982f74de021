package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotalks/linkstack/pkg/hw/simhw"
)

const testStep = 100 * time.Microsecond

type clockEnv struct {
	now   time.Duration
	timer *simhw.Timer
	pps   *simhw.PulseGenerator
	clock *SyncedClock
}

func newClockEnv(timerPPM float64) *clockEnv {
	env := &clockEnv{timer: simhw.NewTimer(1000000, timerPPM, 0)}
	env.pps = simhw.NewPulseGenerator(env.timer, 0, 0)
	env.clock = New(env.timer, env.pps, DefaultConfig())
	return env
}

func (e *clockEnv) advanceTo(t time.Duration) {
	for e.now < t {
		e.now += testStep
		if e.now > t {
			e.now = t
		}
		e.timer.Advance(e.now)
		e.pps.Advance(e.now)
	}
}

// trained returns an env trained at exactly 2s of true time.
func trained(t *testing.T, ppm float64) *clockEnv {
	env := newClockEnv(ppm)
	env.advanceTo(2 * time.Second)
	require.True(t, env.clock.HasTraining())
	return env
}

func TestUntrained(t *testing.T) {
	env := newClockEnv(0)
	assert.False(t, env.clock.HasTraining())
	assert.False(t, env.clock.StartCallbackAfterMicros(100))
	assert.False(t, env.clock.Retune())
	env.advanceTo(1500 * time.Millisecond)
	assert.False(t, env.clock.HasTraining())
	assert.Equal(t, uint64(0), env.clock.GetSyncMicros64())
}

func TestTrainingMeasuresRate(t *testing.T) {
	env := trained(t, 100)
	assert.Equal(t, uint32(1000100), env.clock.Stats().StepsPerSecond)
	env.advanceTo(2500 * time.Millisecond)
	assert.InDelta(t, 500000, float64(env.clock.GetSyncMicros64()), 1)
	env.advanceTo(5 * time.Second)
	assert.InDelta(t, 3000000, float64(env.clock.GetSyncMicros64()), 1)
	assert.Equal(t, uint32(3), env.clock.GetSyncSeconds())
	assert.Equal(t, uint32(3000), env.clock.GetSyncMillis())
}

type manualPulse struct {
	h func(uint32)
}

func (p *manualPulse) HandlePulse(h func(uint32)) { p.h = h }

func TestTrainingRestartsOnDisagreement(t *testing.T) {
	timer := simhw.NewTimer(1000000, 0, 0)
	pps := &manualPulse{}
	c := New(timer, pps, DefaultConfig())

	pps.h(0)
	pps.h(1000000)
	// far beyond the nominal tolerance.
	pps.h(1500000)
	assert.False(t, c.HasTraining())
	pps.h(2500900)
	assert.False(t, c.HasTraining())
	// plausible, but disagrees with the previous sample.
	pps.h(3500900)
	assert.False(t, c.HasTraining())
	pps.h(4500900)
	require.True(t, c.HasTraining())
	assert.Equal(t, uint32(1000000), c.Stats().StepsPerSecond)
	assert.Equal(t, uint32(2), c.Stats().TrainingRestarts)
}

func TestSetOffsetSecondsRoundTrip(t *testing.T) {
	env := trained(t, 0)
	env.advanceTo(2300 * time.Millisecond)
	env.clock.SetOffsetSeconds(1234)
	assert.Equal(t, uint32(1234), env.clock.GetSyncSeconds())
	assert.InDelta(t, 1234300000, float64(env.clock.GetSyncMicros64()), 1)
	env.advanceTo(3 * time.Second)
	assert.Equal(t, uint32(1235), env.clock.GetSyncSeconds())
}

func TestPositiveOffsetImmediate(t *testing.T) {
	env := trained(t, 0)
	env.advanceTo(2100 * time.Millisecond)
	before := env.clock.GetSyncMicros64()
	env.clock.AddOffsetMicros(1500000)
	after := env.clock.GetSyncMicros64()
	assert.Equal(t, before+1500000, after)
	assert.Equal(t, uint32(1), env.clock.GetSyncSeconds())
}

func TestNegativeOffsetIsMonotonic(t *testing.T) {
	env := trained(t, 0)
	env.advanceTo(2200 * time.Millisecond)
	env.clock.AddOffsetMicros(-250000)
	assert.Equal(t, uint32(250000), env.clock.PendingSlewMicros())

	last := env.clock.GetSyncMicros64()
	for at := env.now; at < 6*time.Second; at += 10 * time.Millisecond {
		env.advanceTo(at)
		now := env.clock.GetSyncMicros64()
		require.GreaterOrEqual(t, now, last)
		last = now
	}
	assert.Equal(t, uint32(0), env.clock.PendingSlewMicros())
	expected := float64((6*time.Second-2*time.Second)/time.Microsecond) - 250000
	env.advanceTo(6 * time.Second)
	assert.InDelta(t, expected, float64(env.clock.GetSyncMicros64()), 1)
}

func TestPositiveOffsetCancelsPendingSlew(t *testing.T) {
	env := trained(t, 0)
	env.clock.AddOffsetMicros(-3000)
	before := env.clock.GetSyncMicros64()
	env.clock.AddOffsetMicros(1000)
	assert.Equal(t, uint32(2000), env.clock.PendingSlewMicros())
	assert.Equal(t, before, env.clock.GetSyncMicros64())
	env.clock.AddOffsetMicros(5000)
	assert.Equal(t, uint32(0), env.clock.PendingSlewMicros())
	assert.Equal(t, before+3000, env.clock.GetSyncMicros64())
}

func TestStepMicros(t *testing.T) {
	env := trained(t, 0)
	env.advanceTo(3 * time.Second)
	env.clock.AddOffsetMicros(-10)
	env.clock.StepMicros(-400000)
	assert.InDelta(t, 600000, float64(env.clock.GetSyncMicros64()), 1)
	assert.Equal(t, uint32(0), env.clock.PendingSlewMicros())
	env.clock.StepMicros(-5000000)
	assert.Equal(t, uint64(0), env.clock.GetSyncMicros64())
}

func TestTuneIsBounded(t *testing.T) {
	env := trained(t, 0)
	assert.Equal(t, int32(500), env.clock.Tune(100000))
	assert.Equal(t, int32(-500), env.clock.Tune(-100000))
	assert.Equal(t, int32(20), env.clock.Tune(20))
	// effective from the next second.
	env.advanceTo(5 * time.Second)
	assert.InDelta(t, 3000000+2*20, float64(env.clock.GetSyncMicros64()), 1)
}

func TestCallback(t *testing.T) {
	env := trained(t, 100)
	var firedAt []uint64
	env.clock.SetCallbackTarget(func() {
		firedAt = append(firedAt, env.clock.GetSyncMicros64())
	})
	start := env.clock.GetSyncMicros64()
	require.True(t, env.clock.StartCallbackAfterMicros(1500))
	env.advanceTo(env.now + 10*time.Millisecond)
	require.Len(t, firedAt, 1)
	assert.GreaterOrEqual(t, firedAt[0], start+1500)
	assert.Less(t, firedAt[0], start+1500+uint64(testStep/time.Microsecond)+1)

	require.True(t, env.clock.StartCallbackAfterMicros(1000))
	env.clock.CancelCallback()
	env.advanceTo(env.now + 10*time.Millisecond)
	assert.Len(t, firedAt, 1)
}

func TestRetune(t *testing.T) {
	env := trained(t, 0)
	require.True(t, env.clock.Retune())
	// the reference now says the timer runs fast.
	env.timer.PPM = 200
	env.advanceTo(8 * time.Second)
	stats := env.clock.Stats()
	assert.False(t, stats.Training)
	assert.InDelta(t, 1000200, float64(stats.StepsPerSecond), 1)
}
