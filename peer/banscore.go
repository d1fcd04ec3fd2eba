// Copyright (c) 2024 The bcoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// BanThreshold is the ban score at which the peer is disconnected
	// and reported to the pool for banning.
	BanThreshold uint32 = 100

	// WarnThreshold is the ban score above which every further
	// misbehavior is logged as a warning.
	WarnThreshold = BanThreshold / 2

	// banScoreHalflife is the time over which the decaying part of the
	// ban score falls to half of its value.
	banScoreHalflife = time.Minute

	// banScoreMemory is how long a decaying contribution is remembered
	// at all.  Beyond this age it counts as zero.
	banScoreMemory = 30 * time.Minute
)

// banScore accumulates misbehavior as two components: a fixed score
// that only ever grows, fed by protocol violations, and a decaying
// score that fades with a fixed halflife, fed by flooding-style
// annoyances so short bursts are forgiven while sustained abuse still
// crosses the ban threshold.
//
// The zero value is ready for use.
type banScore struct {
	mtx      sync.Mutex
	fixed    uint32
	decaying float64
	stamp    time.Time // time of the last decaying contribution
}

// faded returns the decaying component as seen at the passed time.
// The caller must hold the mutex.
func (s *banScore) faded(now time.Time) float64 {
	if s.decaying < 1 {
		return 0
	}
	age := now.Sub(s.stamp)
	if age < 0 || age > banScoreMemory {
		return 0
	}
	return s.decaying * math.Exp2(-age.Seconds()/banScoreHalflife.Seconds())
}

// bumpAt raises the two components as of the passed time and returns
// the resulting total score.
//
// This function is safe for concurrent access.
func (s *banScore) bumpAt(now time.Time, fixed, decaying uint32) uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.fixed += fixed
	if decaying > 0 {
		// Fold whatever is left of the previous contributions into
		// the new one and restart the clock.
		s.decaying = s.faded(now) + float64(decaying)
		s.stamp = now
	}
	return s.fixed + uint32(s.faded(now))
}

// valueAt returns the total score as seen at the passed time.
//
// This function is safe for concurrent access.
func (s *banScore) valueAt(now time.Time) uint32 {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.fixed + uint32(s.faded(now))
}

// value returns the current total score.
//
// This function is safe for concurrent access.
func (s *banScore) value() uint32 {
	return s.valueAt(time.Now())
}

// reset forgets all accumulated misbehavior.
//
// This function is safe for concurrent access.
func (s *banScore) reset() {
	s.mtx.Lock()
	s.fixed = 0
	s.decaying = 0
	s.stamp = time.Time{}
	s.mtx.Unlock()
}

// String returns the ban score as a human-readable string.
func (s *banScore) String() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := time.Now()
	return fmt.Sprintf("%d (fixed %d, decaying %.2f)",
		s.fixed+uint32(s.faded(now)), s.fixed, s.faded(now))
}
