// Package placement implements the admission-and-placement core (spec
// §4.3): given a build request, pick a free slot on a compatible machine
// under the defined ranking, or decide postpone/decline.
package placement

import (
	"context"
	"math"
	"sort"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
	"github.com/nix-community/nix-build-remote-hook/pkg/locks"
	"github.com/nix-community/nix-build-remote-hook/pkg/registry"
)

// Request is one build request line from the parent daemon (spec §3).
type Request struct {
	AmWilling        bool
	NeededSystem     string
	DrvPath          string
	RequiredFeatures []string
}

// Outcome is the shape of a placement decision.
type Outcome int

const (
	// Decline means no enabled machine will ever serve this request in
	// this process.
	Decline Outcome = iota
	// Postpone means no slot is free right now, but some enabled machine
	// could serve it later.
	Postpone
	// Accept means the caller now owns the returned slot lock.
	Accept
)

// Decision is the result of one placement attempt.
type Decision struct {
	Outcome Outcome

	// Set only when Outcome == Accept.
	Machine *registry.Machine
	Slot    int
	Lock    *locks.Handle
}

// Decide runs the algorithm in spec §4.3 under the main lock. localSystem
// and amWilling feed the decline-vs-postpone tie-break in step 4.
func Decide(ctx context.Context, stateDir string, reg *registry.Registry, req Request, localSystem string, debugLoad func(format string, args ...interface{})) (*Decision, error) {
	mainLock, err := locks.Open(locks.MainLockPath(stateDir))
	if err != nil {
		return nil, err
	}
	if err := mainLock.AcquireBlocking(ctx); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "acquire main lock", err)
	}
	defer mainLock.Release()

	return decideLocked(stateDir, reg, req, localSystem, debugLoad)
}

type candidate struct {
	machine *registry.Machine
	load    int
	free    int
	hasFree bool
}

func decideLocked(stateDir string, reg *registry.Registry, req Request, localSystem string, debugLoad func(format string, args ...interface{})) (*Decision, error) {
	rightType := false
	var candidates []candidate

	for _, m := range reg.Machines() {
		if !reg.Enabled(m.HostName) {
			continue
		}
		if !m.HasSystem(req.NeededSystem) {
			continue
		}
		if !subsetOf(union(req.RequiredFeatures, m.MandatoryFeatures), m.SupportedFeatures) {
			continue
		}
		if !subsetOf(m.MandatoryFeatures, req.RequiredFeatures) {
			// This machine can never serve this exact request: its
			// mandatory features are fixed and this request's
			// requiredFeatures will not change. Per spec §8 scenario
			// S5, a request like this declines rather than postpones,
			// so it must not set rightType.
			continue
		}
		// A machine with maxJobs = 0 never has a slot to offer and must
		// not affect rightType either (spec §8 boundary behavior: such a
		// machine is never selected and a request with no other
		// compatible machine declines, not postpones).
		if m.MaxJobs == 0 {
			continue
		}
		// Machine passed the full type+feature filter and has at least
		// one job slot; it is a legitimate candidate that is only ruled
		// out, if at all, by load in step 3 below.
		rightType = true

		load, free, hasFree, err := probeSlots(stateDir, m)
		if err != nil {
			return nil, err
		}
		if debugLoad != nil {
			debugLoad("machine %s: load=%d maxJobs=%d free=%v", m.HostName, load, m.MaxJobs, hasFree)
		}
		if load >= m.MaxJobs {
			continue
		}
		candidates = append(candidates, candidate{machine: m, load: load, free: free, hasFree: hasFree})
	}

	if len(candidates) == 0 {
		if rightType && !(req.AmWilling && localSystem == req.NeededSystem) {
			return &Decision{Outcome: Postpone}, nil
		}
		return &Decision{Outcome: Decline}, nil
	}

	best := rankAndPick(candidates)

	path := slotPathFor(stateDir, best.machine, best.free)
	handle, err := locks.Open(path)
	if err != nil {
		return nil, err
	}
	ok, err := handle.TryExclusive()
	if err != nil {
		return nil, err
	}
	if !ok {
		// We held the main lock throughout the probe above, so this
		// slot could not have been taken by anyone else in the
		// meantime (spec §4.3 invariant). If it happens anyway, the
		// locking invariant has been violated and there is nothing
		// sound to recover to.
		return nil, hookerr.New(hookerr.KindIOFatal, "selected slot was not free despite holding the main lock")
	}
	if err := handle.Touch(); err != nil {
		return nil, err
	}

	return &Decision{
		Outcome: Accept,
		Machine: best.machine,
		Slot:    best.free,
		Lock:    handle,
	}, nil
}

func slotPathFor(stateDir string, m *registry.Machine, slot int) string {
	return locks.SlotLockPath(stateDir, m.SystemTypes, m.HostName, slot)
}

func probeSlots(stateDir string, m *registry.Machine) (load int, free int, hasFree bool, err error) {
	free = -1
	for slot := 0; slot < m.MaxJobs; slot++ {
		path := slotPathFor(stateDir, m, slot)
		isFree, err := locks.ProbeFree(path)
		if err != nil {
			return 0, 0, false, err
		}
		if isFree {
			if free == -1 {
				free = slot
			}
		} else {
			load++
		}
	}
	if free == -1 {
		return load, 0, false, nil
	}
	return load, free, true, nil
}

// rankAndPick sorts candidates by the tuple (round(load/speed) asc,
// speed desc, load asc) (spec §4.3 step 5) and returns the winner.
func rankAndPick(candidates []candidate) candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra := roundHalfUpBiased(float64(a.load) / a.machine.SpeedFactor)
		rb := roundHalfUpBiased(float64(b.load) / b.machine.SpeedFactor)
		if ra != rb {
			return ra < rb
		}
		if a.machine.SpeedFactor != b.machine.SpeedFactor {
			return a.machine.SpeedFactor > b.machine.SpeedFactor
		}
		return a.load < b.load
	})
	return candidates[0]
}

// roundHalfUpBiased reproduces the source's rounding bias (spec §9):
// floor(x + 0.4999) — round-half-up approximated without landing exactly
// on the 0.5 boundary in binary floating point. Implementations must
// reproduce this bit-exactly to keep placement decisions stable across
// ports.
func roundHalfUpBiased(x float64) int {
	return int(math.Floor(x + 0.4999))
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func subsetOf(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	for _, s := range a {
		if !set[s] {
			return false
		}
	}
	return true
}
