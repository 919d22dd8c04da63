package resilience

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - all agents are operational
	LevelNormal DegradationLevel = iota
	// LevelPartial - some agents are degraded but most traffic flows
	LevelPartial
	// LevelSevere - half or more of the agents are unavailable
	LevelSevere
	// LevelCritical - the system is barely functional
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the level by name
func (l DegradationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// AssessDegradation derives a system-wide level from the share of
// unavailable dependencies. A dependency counts as unavailable when it is
// unhealthy or its circuit is open; pass the union, not the sum.
func AssessDegradation(total, unavailable int) DegradationLevel {
	if total <= 0 || unavailable <= 0 {
		return LevelNormal
	}

	ratio := float64(unavailable) / float64(total)
	switch {
	case ratio >= 0.75:
		return LevelCritical
	case ratio >= 0.5:
		return LevelSevere
	default:
		return LevelPartial
	}
}
