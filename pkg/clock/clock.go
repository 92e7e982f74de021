// Package clock implements the synchronized microsecond clock shared by both
// ends of a link.
//
// The clock runs on an untrusted free-running hardware counter. A training
// phase measures the counter rate against a 1 PPS reference; afterwards a
// compare interrupt advances the clock once per second and reads
// interpolate within the second. Corrections are applied so the clock
// never runs backward: positive offsets jump forward immediately, negative
// offsets are slewed out over the following seconds.
package clock

import (
	"sync"

	"github.com/robotalks/linkstack/pkg/hw"
)

// MicrosPerSecond is the number of synchronized microseconds per second.
const MicrosPerSecond = 1000000

const maxTrainingSamples = 8

// Config tunes training and correction bounds.
type Config struct {
	// InitialSamples is the number of PPS intervals averaged by the first
	// training.
	InitialSamples int
	// RetuneSamples is the number of PPS intervals averaged by Retune.
	RetuneSamples int
	// ToleranceSteps is the maximum disagreement between training samples.
	ToleranceSteps uint32
	// NominalTolerancePPM bounds how far a sample may deviate from the
	// timer's nominal rate.
	NominalTolerancePPM uint32
	// MaxSlewMicrosPerTick bounds the negative correction absorbed by a
	// single second.
	MaxSlewMicrosPerTick uint32
	// MaxDriftMicros bounds the per-second drift compensation.
	MaxDriftMicros int32
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		InitialSamples:       2,
		RetuneSamples:        4,
		ToleranceSteps:       200,
		NominalTolerancePPM:  5000,
		MaxSlewMicrosPerTick: 100000,
		MaxDriftMicros:       500,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.InitialSamples <= 0 || c.InitialSamples > maxTrainingSamples {
		c.InitialSamples = def.InitialSamples
	}
	if c.RetuneSamples <= 0 || c.RetuneSamples > maxTrainingSamples {
		c.RetuneSamples = def.RetuneSamples
	}
	if c.ToleranceSteps == 0 {
		c.ToleranceSteps = def.ToleranceSteps
	}
	if c.NominalTolerancePPM == 0 {
		c.NominalTolerancePPM = def.NominalTolerancePPM
	}
	if c.MaxSlewMicrosPerTick == 0 || c.MaxSlewMicrosPerTick >= MicrosPerSecond/2 {
		c.MaxSlewMicrosPerTick = def.MaxSlewMicrosPerTick
	}
	if c.MaxDriftMicros <= 0 || c.MaxDriftMicros >= MicrosPerSecond/4 {
		c.MaxDriftMicros = def.MaxDriftMicros
	}
}

// Stats is a snapshot of the clock internals.
type Stats struct {
	StepsPerSecond   uint32
	Training         bool
	TrainingRestarts uint32
	PendingSlew      uint32
	DriftMicros      int32
	Ticks            uint64
}

// SyncedClock is the synchronized clock.
type SyncedClock struct {
	cfg   Config
	timer hw.Timer

	lock sync.Mutex

	training    bool
	retuning    bool
	want        int
	samples     [maxTrainingSamples]uint32
	nsamples    int
	lastCapture uint32
	haveCapture bool
	restarts    uint32
	nextRate    uint32

	stepsPerSecond uint32
	lastTick       uint32
	baseMicros     uint64
	intervalMicros uint32
	pendingSlew    uint32
	drift          int32
	floor          uint64
	ticks          uint64

	callback      func()
	callbackArmed bool
}

// New creates a SyncedClock and starts the initial training.
func New(timer hw.Timer, pps hw.PulseSource, cfg Config) *SyncedClock {
	cfg.normalize()
	c := &SyncedClock{
		cfg:      cfg,
		timer:    timer,
		training: true,
		want:     cfg.InitialSamples,
	}
	timer.HandleCompare(hw.CompareTick, c.onTick)
	timer.HandleCompare(hw.CompareCallback, c.onCallback)
	pps.HandlePulse(c.onPulse)
	return c
}

// HasTraining returns true once the counter rate is known.
func (c *SyncedClock) HasTraining() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stepsPerSecond != 0
}

// Retune starts a re-training over RetuneSamples pulses. The current rate
// stays in effect until the new one is measured.
func (c *SyncedClock) Retune() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stepsPerSecond == 0 {
		return false
	}
	c.training, c.retuning = true, true
	c.want = c.cfg.RetuneSamples
	c.nsamples, c.haveCapture = 0, false
	return true
}

// Stats returns a snapshot of the clock internals.
func (c *SyncedClock) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	return Stats{
		StepsPerSecond:   c.stepsPerSecond,
		Training:         c.training,
		TrainingRestarts: c.restarts,
		PendingSlew:      c.pendingSlew,
		DriftMicros:      c.drift,
		Ticks:            c.ticks,
	}
}

func (c *SyncedClock) plausible(delta uint32) bool {
	nominal := uint64(c.timer.NominalHz())
	if nominal == 0 {
		return delta != 0
	}
	diff := uint64(delta) - nominal
	if uint64(delta) < nominal {
		diff = nominal - uint64(delta)
	}
	return diff <= nominal*uint64(c.cfg.NominalTolerancePPM)/MicrosPerSecond
}

func (c *SyncedClock) restartTraining() {
	c.nsamples = 0
	c.restarts++
}

// onPulse runs in interrupt context.
func (c *SyncedClock) onPulse(captured uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.training {
		return
	}
	if !c.haveCapture {
		c.lastCapture, c.haveCapture = captured, true
		return
	}
	delta := captured - c.lastCapture
	c.lastCapture = captured
	if !c.plausible(delta) {
		c.restartTraining()
		return
	}
	if c.nsamples > 0 {
		first := c.samples[0]
		diff := delta - first
		if delta < first {
			diff = first - delta
		}
		if diff > c.cfg.ToleranceSteps {
			c.restartTraining()
		}
	}
	c.samples[c.nsamples] = delta
	c.nsamples++
	if c.nsamples < c.want {
		return
	}

	var sum uint64
	for _, s := range c.samples[:c.nsamples] {
		sum += uint64(s)
	}
	rate := uint32((sum + uint64(c.nsamples)/2) / uint64(c.nsamples))
	c.training, c.nsamples = false, 0
	if c.retuning {
		c.retuning = false
		c.nextRate = rate
		return
	}
	c.stepsPerSecond = rate
	c.lastTick = captured
	c.baseMicros = c.floor
	c.intervalMicros = c.nextInterval()
	c.timer.SetCompare(hw.CompareTick, c.lastTick+c.stepsPerSecond)
}

func (c *SyncedClock) nextInterval() uint32 {
	slew := c.pendingSlew
	if slew > c.cfg.MaxSlewMicrosPerTick {
		slew = c.cfg.MaxSlewMicrosPerTick
	}
	c.pendingSlew -= slew
	return uint32(int64(MicrosPerSecond) + int64(c.drift) - int64(slew))
}

// onTick runs in interrupt context once per synchronized second.
func (c *SyncedClock) onTick() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stepsPerSecond == 0 {
		return
	}
	c.baseMicros += uint64(c.intervalMicros)
	c.lastTick += c.stepsPerSecond
	c.ticks++
	if c.nextRate != 0 {
		c.stepsPerSecond, c.nextRate = c.nextRate, 0
	}
	c.intervalMicros = c.nextInterval()
	c.timer.SetCompare(hw.CompareTick, c.lastTick+c.stepsPerSecond)
}

func (c *SyncedClock) readLocked() uint64 {
	if c.stepsPerSecond == 0 {
		return c.floor
	}
	steps := c.timer.Count() - c.lastTick
	m := c.baseMicros + uint64(steps)*uint64(c.intervalMicros)/uint64(c.stepsPerSecond)
	if m < c.floor {
		return c.floor
	}
	c.floor = m
	return m
}

// GetSyncMicros64 returns the unwrapped synchronized microseconds.
func (c *SyncedClock) GetSyncMicros64() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.readLocked()
}

// GetSyncMicros returns synchronized microseconds, wrapping at 2^32.
func (c *SyncedClock) GetSyncMicros() uint32 {
	return uint32(c.GetSyncMicros64())
}

// GetSyncMillis returns synchronized milliseconds, wrapping at 2^32.
func (c *SyncedClock) GetSyncMillis() uint32 {
	return uint32(c.GetSyncMicros64() / 1000)
}

// GetSyncSeconds returns synchronized seconds, wrapping at 2^32.
func (c *SyncedClock) GetSyncSeconds() uint32 {
	return uint32(c.GetSyncMicros64() / MicrosPerSecond)
}

// rebaseLocked moves the current reading to target.
func (c *SyncedClock) rebaseLocked(target uint64) {
	now := c.readLocked()
	c.baseMicros += target - now
	c.floor = target
	c.pendingSlew = 0
}

// SetOffsetSeconds sets the seconds counter, keeping the sub-second part.
func (c *SyncedClock) SetOffsetSeconds(seconds uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	sub := c.readLocked() % MicrosPerSecond
	c.rebaseLocked(uint64(seconds)*MicrosPerSecond + sub)
}

// AddOffsetMicros adjusts the clock. Positive offsets apply immediately;
// negative offsets are slewed out starting from the next second, so the
// clock is never observed going backward.
func (c *SyncedClock) AddOffsetMicros(offset int32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if offset < 0 {
		c.pendingSlew += uint32(-int64(offset))
		return
	}
	fwd := uint32(offset)
	if c.pendingSlew >= fwd {
		c.pendingSlew -= fwd
		return
	}
	fwd -= c.pendingSlew
	c.pendingSlew = 0
	c.baseMicros += uint64(fwd)
	c.floor += uint64(fwd)
}

// StepMicros re-bases the clock by offset at once, in either direction.
// It breaks monotonicity and is only meant for coarse corrections while no
// schedule depends on the clock.
func (c *SyncedClock) StepMicros(offset int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	target := int64(c.readLocked()) + offset
	if target < 0 {
		target = 0
	}
	c.rebaseLocked(uint64(target))
}

// PendingSlewMicros returns the negative correction not yet absorbed.
func (c *SyncedClock) PendingSlewMicros() uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pendingSlew
}

// Tune sets the drift compensation in microseconds per second, effective
// from the next second. Values are clamped to MaxDriftMicros.
func (c *SyncedClock) Tune(driftMicros int32) int32 {
	if driftMicros > c.cfg.MaxDriftMicros {
		driftMicros = c.cfg.MaxDriftMicros
	} else if driftMicros < -c.cfg.MaxDriftMicros {
		driftMicros = -c.cfg.MaxDriftMicros
	}
	c.lock.Lock()
	c.drift = driftMicros
	c.lock.Unlock()
	return driftMicros
}

// Drift returns the current drift compensation.
func (c *SyncedClock) Drift() int32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.drift
}

// SetCallbackTarget installs the one-shot callback. It runs in interrupt
// context.
func (c *SyncedClock) SetCallbackTarget(fn func()) {
	c.lock.Lock()
	c.callback = fn
	c.lock.Unlock()
}

// StartCallbackAfterMicros arms the callback to fire after delay
// synchronized microseconds. Returns false until the clock is trained.
func (c *SyncedClock) StartCallbackAfterMicros(delay uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.stepsPerSecond == 0 || c.intervalMicros == 0 {
		return false
	}
	interval := uint64(c.intervalMicros)
	steps := (uint64(delay)*uint64(c.stepsPerSecond) + interval - 1) / interval
	c.callbackArmed = true
	c.timer.SetCompare(hw.CompareCallback, c.timer.Count()+uint32(steps))
	return true
}

// CancelCallback disarms a pending callback.
func (c *SyncedClock) CancelCallback() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.callbackArmed = false
	c.timer.ClearCompare(hw.CompareCallback)
}

// onCallback runs in interrupt context.
func (c *SyncedClock) onCallback() {
	c.lock.Lock()
	fn := c.callback
	armed := c.callbackArmed
	c.callbackArmed = false
	c.lock.Unlock()
	if armed && fn != nil {
		fn()
	}
}
