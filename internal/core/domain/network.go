package domain

// Band is a coarse network speed classification.
type Band int

const (
	BandUnknown Band = iota
	BandSlow
	BandModerate
	BandFast
)

func (b Band) String() string {
	switch b {
	case BandSlow:
		return "slow"
	case BandModerate:
		return "moderate"
	case BandFast:
		return "fast"
	default:
		return "unknown"
	}
}

// Band thresholds in kbps.
const (
	FastThresholdKbps     = 1000.0
	ModerateThresholdKbps = 100.0
)

// BandForKbps classifies a throughput estimate.
func BandForKbps(kbps float64) Band {
	switch {
	case kbps > FastThresholdKbps:
		return BandFast
	case kbps > ModerateThresholdKbps:
		return BandModerate
	default:
		return BandSlow
	}
}

// ConnectivityEvent is delivered by a platform connectivity notifier.
type ConnectivityEvent struct {
	IsConnected         bool
	IsInternetReachable bool
}

// Online reports whether the event means requests can reach the internet.
func (e ConnectivityEvent) Online() bool {
	return e.IsConnected && e.IsInternetReachable
}
