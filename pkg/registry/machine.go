package registry

import "fmt"

// Machine is one line of the machines config file, immutable after load
// (spec §3). The only mutable state this spec allows — enabled — lives in
// Registry's disabled map, not here, so a Machine stays a plain value
// after Load returns (spec §9 design note).
type Machine struct {
	HostName          string
	SystemTypes       []string
	SSHKey            string
	MaxJobs           int
	SpeedFactor       float64
	SupportedFeatures []string
	MandatoryFeatures []string
}

// HasSystem reports whether system is one of the platforms this machine
// builds for.
func (m *Machine) HasSystem(system string) bool {
	for _, s := range m.SystemTypes {
		if s == system {
			return true
		}
	}
	return false
}

func stringSetContains(set []string, want string) bool {
	for _, s := range set {
		if s == want {
			return true
		}
	}
	return false
}

// MarshalLine serializes the machine back to the whitespace-separated
// config-file line format (spec §4.1, §8 round-trip property). Comments
// and original whitespace are not preserved, only the seven fields.
func (m *Machine) MarshalLine() string {
	return fmt.Sprintf("%s %s %s %d %s %s %s",
		m.HostName,
		joinOrDash(m.SystemTypes),
		m.SSHKey,
		m.MaxJobs,
		formatSpeedFactor(m.SpeedFactor),
		joinOrDash(m.SupportedFeatures),
		joinOrDash(m.MandatoryFeatures),
	)
}

func joinOrDash(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	out := fields[0]
	for _, f := range fields[1:] {
		out += "," + f
	}
	return out
}

func formatSpeedFactor(f float64) string {
	return fmt.Sprintf("%g", f)
}
