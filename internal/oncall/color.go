package oncall

// Color identifies a participant in schedule displays. It carries no
// business meaning.
type Color struct {
	Palette string
	Weight  string
}

var (
	colorPalettes = []string{"blue", "orange", "aqua", "green", "magenta"}
	colorWeights  = []string{"500", "100", "300", "700", "900", "50", "200", "400", "600", "800", "950"}
)

func colorCombinations() []Color {
	out := make([]Color, 0, len(colorPalettes)*len(colorWeights))
	for _, w := range colorWeights {
		for _, p := range colorPalettes {
			out = append(out, Color{Palette: p, Weight: w})
		}
	}
	return out
}

// ValidColor reports whether c is a known palette/weight pair.
func ValidColor(c Color) bool {
	for _, candidate := range colorCombinations() {
		if candidate == c {
			return true
		}
	}
	return false
}

// NextColor returns the first combination not in used. Once every
// combination is taken it wraps around.
func NextColor(used []Color) Color {
	taken := make(map[Color]bool, len(used))
	for _, c := range used {
		taken[c] = true
	}
	all := colorCombinations()
	for _, c := range all {
		if !taken[c] {
			return c
		}
	}
	return all[len(used)%len(all)]
}
