package domain

import (
	"slices"
	"strings"
)

// Tier is a subscription level. Higher tiers unlock everything lower tiers can.
type Tier int

const (
	TierFree Tier = iota
	TierBasic
	TierStandard
	TierPremium
)

var tierNames = [...]string{"free", "basic", "standard", "premium"}

func (t Tier) String() string {
	if t < TierFree || t > TierPremium {
		return "unknown"
	}
	return tierNames[t]
}

// ParseTier maps a claim value to a tier. Unknown or empty values are free.
func ParseTier(s string) Tier {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range tierNames {
		if name == s {
			return Tier(i)
		}
	}
	return TierFree
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	*t = ParseTier(string(b))
	return nil
}

func (t Tier) Allows(required Tier) bool { return t >= required }

// Qualities are ordered lowest to highest.
var Qualities = []string{"480p", "720p", "1080p", "2160p"}

func (t Tier) MaxQuality() string {
	switch t {
	case TierPremium:
		return "2160p"
	case TierStandard:
		return "1080p"
	case TierBasic:
		return "720p"
	default:
		return "480p"
	}
}

func qualityRank(q string) int {
	return slices.Index(Qualities, strings.ToLower(strings.TrimSpace(q)))
}

// SelectQuality picks the source to hand out: the requested quality capped at
// the tier maximum, stepping down to the best available source under the cap.
// Unlabelled sources such as "auto" are used only when nothing else fits.
func (t Tier) SelectQuality(requested string, sources map[string]string) (string, bool) {
	if len(sources) == 0 {
		return "", false
	}
	limit := qualityRank(t.MaxQuality())
	if r := qualityRank(requested); r >= 0 && r < limit {
		limit = r
	}
	for i := limit; i >= 0; i-- {
		if _, ok := sources[Qualities[i]]; ok {
			return Qualities[i], true
		}
	}
	var other []string
	for q := range sources {
		if qualityRank(q) < 0 {
			other = append(other, q)
		}
	}
	if len(other) == 0 {
		return "", false
	}
	slices.Sort(other)
	return other[0], true
}
