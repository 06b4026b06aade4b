package usage

// Limits maps each dimension to its daily limit. Missing dimensions are unlimited.
type Limits map[Dimension]int64

func (l Limits) For(dim Dimension) int64 {
	if v, ok := l[dim]; ok {
		return v
	}
	return Unlimited
}

// DefaultLimits is the free-tier allowance.
func DefaultLimits() Limits {
	return Limits{
		Chat:         20,
		Document:     5,
		Health:       10,
		VoiceMessage: 10,
	}
}
