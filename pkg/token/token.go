// Package token derives the rotating per-window tokens from the session
// seed and the synchronized clock.
package token

// Clock provides synchronized milliseconds.
type Clock interface {
	GetSyncMillis() uint32
}

// Source computes Token = Seed XOR Window, with Window = millis / Divisor.
// It is used from the cooperative context only.
type Source struct {
	clock   Clock
	divisor uint32
	seed    uint32
	hasSeed bool
}

// NewSource creates a Source with windows of divisorMillis.
func NewSource(clock Clock, divisorMillis uint32) *Source {
	if divisorMillis == 0 {
		panic("token: zero window")
	}
	return &Source{clock: clock, divisor: divisorMillis}
}

// DivisorMillis returns the window length.
func (s *Source) DivisorMillis() uint32 {
	return s.divisor
}

// SetSeed installs the session seed.
func (s *Source) SetSeed(seed uint32) {
	s.seed, s.hasSeed = seed, true
}

// Clear forgets the seed.
func (s *Source) Clear() {
	s.seed, s.hasSeed = 0, false
}

// HasSeed returns true if a seed is installed.
func (s *Source) HasSeed() bool {
	return s.hasSeed
}

// Window returns the window index containing millis.
func (s *Source) Window(millis uint32) uint32 {
	return millis / s.divisor
}

// CurrentWindow returns the window index at the current synchronized time.
func (s *Source) CurrentWindow() uint32 {
	return s.Window(s.clock.GetSyncMillis())
}

// ForWindow returns the token of a window.
func (s *Source) ForWindow(window uint32) uint32 {
	return s.seed ^ window
}

// TokenAt returns the token valid at millis.
func (s *Source) TokenAt(millis uint32) uint32 {
	return s.ForWindow(s.Window(millis))
}

// Token returns the token valid now.
func (s *Source) Token() uint32 {
	return s.TokenAt(s.clock.GetSyncMillis())
}
