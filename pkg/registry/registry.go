// Package registry parses the machines config file (spec §4.1) and holds
// it for the lifetime of one hook process. Grounded on the teacher's
// config-loading style (pkg/config/app_config.go): a constructor that
// reads a file, fills in defaults, and hands back an immutable value, plus
// a tiny amount of process-lifetime mutable state kept separate from the
// parsed records.
package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sasha-s/go-deadlock"

	"github.com/nix-community/nix-build-remote-hook/pkg/hookerr"
)

const defaultMachinesFileEnv = "NIX_REMOTE_SYSTEMS"

// DefaultMachinesPath returns $NIX_REMOTE_SYSTEMS when it is set, and
// otherwise the compiled-in default machines file path,
// <sysconfdir>/nix/machines (/etc/nix/machines).
func DefaultMachinesPath() string {
	if env := os.Getenv(defaultMachinesFileEnv); env != "" {
		return env
	}
	return "/etc/nix/machines"
}

// Registry holds the parsed machine list plus the one piece of mutable
// state a hook process is allowed (spec §3: enabled), modeled as a map
// keyed by host name and guarded by a deadlock-checked mutex rather than a
// field on Machine, so Machine stays pure after Load (spec §9).
type Registry struct {
	machines []*Machine

	mu       deadlock.Mutex
	disabled map[string]bool
}

// Load reads path and parses it per spec §4.1. A missing file yields an
// empty, non-error Registry (ConfigMissing is not fatal: the hook will
// decline every request). A malformed numeric field is ConfigMalformed and
// fatal.
func Load(path string) (*Registry, error) {
	r := &Registry{disabled: map[string]bool{}}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "open machines file", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m, err := ParseLine(line)
		if err != nil {
			return nil, hookerr.Wrap(hookerr.KindConfigMalformed,
				fmt.Sprintf("%s:%d", path, lineNo), err)
		}
		r.machines = append(r.machines, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, hookerr.Wrap(hookerr.KindIOFatal, "read machines file", err)
	}

	return r, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

// ParseLine parses one non-comment, non-blank line into a Machine. Fields:
// hostName, comma-joined systemTypes, sshKey, maxJobs, speedFactor,
// comma-joined supportedFeatures (optional), comma-joined
// mandatoryFeatures (optional). supportedFeatures is normalized to include
// every element of mandatoryFeatures (spec §4.1).
func ParseLine(line string) (*Machine, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	m := &Machine{
		HostName:    fields[0],
		SystemTypes: splitComma(fields[1]),
		SSHKey:      fields[2],
		SpeedFactor: 1.0,
	}

	maxJobs, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("maxJobs: %w", err)
	}
	if maxJobs < 0 {
		return nil, fmt.Errorf("maxJobs must not be negative, got %d", maxJobs)
	}
	m.MaxJobs = maxJobs

	if len(fields) >= 5 && fields[4] != "" {
		speed, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("speedFactor: %w", err)
		}
		m.SpeedFactor = speed
	}

	if len(fields) >= 6 {
		m.SupportedFeatures = splitComma(fields[5])
	}
	if len(fields) >= 7 {
		m.MandatoryFeatures = splitComma(fields[6])
	}

	for _, f := range m.MandatoryFeatures {
		if !stringSetContains(m.SupportedFeatures, f) {
			m.SupportedFeatures = append(m.SupportedFeatures, f)
		}
	}

	return m, nil
}

func splitComma(field string) []string {
	if field == "" {
		return nil
	}
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Machines returns the machines in the order they appeared in the file.
// Stable iteration order decides placement once all three ranking keys
// tie (spec §8: any tied machine may be chosen — a stable order makes
// test expectations deterministic).
func (r *Registry) Machines() []*Machine {
	return r.machines
}

// Enabled reports whether host is still eligible for placement in this
// process (spec §3: enabled, cleared on ConnectFailed).
func (r *Registry) Enabled(hostName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled[hostName]
}

// Disable marks hostName ineligible for the remainder of this process
// (spec §4.4, §7 ConnectFailed).
func (r *Registry) Disable(hostName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[hostName] = true
}
