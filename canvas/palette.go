package canvas

// DefaultColors is the 16-colour palette the display clients ship with.
// Index 0 is white and is the value of every cell on a fresh canvas.
var DefaultColors = []string{
	"#FFFFFF", "#000000", "#FF0000", "#00FF00", "#0000FF", "#FFFF00", "#FF00FF", "#00FFFF",
	"#808080", "#800000", "#008000", "#000080", "#FFA500", "#800080", "#C0C0C0", "#FFD700",
}

// Palette is the ordered set of colours a cell may hold. Cells store the
// index into the palette, not the colour itself.
type Palette struct {
	Colors []string `json:"colors"`
}

func DefaultPalette() Palette {
	colors := make([]string, len(DefaultColors))
	copy(colors, DefaultColors)
	return Palette{Colors: colors}
}

// Size is the number of valid colour indices.
func (p Palette) Size() int {
	return len(p.Colors)
}

// Valid reports whether v is an index into the palette.
func (p Palette) Valid(v int) bool {
	return v >= 0 && v < len(p.Colors) && v <= 255
}
