package access

import "time"

// Tier is the ordered requester privilege level. Higher values grant broader
// visibility; the top tier bypasses exclusivity windows entirely.
type Tier int

const (
	TierBasic Tier = iota
	TierVerified
	TierPremium
	TierElite
)

// TopTier is the tier exempt from exclusivity restrictions.
const TopTier = TierElite

func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierVerified:
		return "verified"
	case TierPremium:
		return "premium"
	case TierElite:
		return "elite"
	default:
		return "unknown"
	}
}

// IsVisible reports whether a requester at the given tier may see a case whose
// exclusivity window ends at exclusiveUntil (nil means no window). Visibility
// is a read-time projection; callers must never persist the result.
func IsVisible(tier Tier, exclusiveUntil *time.Time, now time.Time) bool {
	if tier == TopTier {
		return true
	}
	return exclusiveUntil == nil || !exclusiveUntil.After(now)
}

// TimeUntilRelease returns how long until the case becomes visible to lower
// tiers, or nil when it already is (or never had a window).
func TimeUntilRelease(exclusiveUntil *time.Time, now time.Time) *time.Duration {
	if exclusiveUntil == nil || !exclusiveUntil.After(now) {
		return nil
	}
	d := exclusiveUntil.Sub(now)
	return &d
}
