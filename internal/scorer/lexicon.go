package scorer

// DefaultLexicon maps lexicon phrases to weights in (0,1]. ADU-specific
// terminology sits near 1.0; generic zoning vocabulary that merely hints at
// relevance sits in the 0.2-0.6 band.
func DefaultLexicon() map[string]float64 {
	return map[string]float64{
		"accessory dwelling unit": 1.0,
		"accessory dwelling":      0.9,
		"accessory apartment":     0.9,
		"secondary suite":         0.9,
		"secondary dwelling unit": 0.9,
		"granny flat":             0.8,
		"in-law suite":            0.8,
		"laneway house":           0.8,
		"carriage house":          0.7,
		"garden suite":            0.7,
		"backyard cottage":        0.7,
		"detached dwelling unit":  0.6,
		"owner occupancy":         0.5,
		"dwelling unit":           0.4,
		"minimum lot size":        0.3,
		"lot coverage":            0.3,
		"floor area ratio":        0.3,
		"parking requirement":     0.3,
		"zoning":                  0.3,
		"setback":                 0.2,
		"variance":                0.2,
		"building permit":         0.2,
	}
}
