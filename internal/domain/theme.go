package domain

// Icon asset modes
const (
	ModeLight = "light"
	ModeDark  = "dark"
)

// Theme maps a widget theme name to its icon set and border color
type Theme struct {
	Mode  string  `yaml:"mode" json:"mode"`
	Color []uint8 `yaml:"color" json:"color"`
}

// DefaultBorderColor is used when a theme is unknown or its color is malformed
var DefaultBorderColor = [3]uint8{240, 240, 240}

// DefaultThemes returns the built-in theme table
func DefaultThemes() map[string]Theme {
	return map[string]Theme{
		"light":        {Mode: ModeLight, Color: []uint8{240, 240, 240}},
		"legacy-light": {Mode: ModeLight, Color: []uint8{240, 240, 240}},
		"dark":         {Mode: ModeDark, Color: []uint8{64, 64, 64}},
		"legacy-dark":  {Mode: ModeDark, Color: []uint8{64, 64, 64}},
	}
}

// BorderColor resolves the separator color for the named theme
func BorderColor(themes map[string]Theme, name string) [3]uint8 {
	theme, ok := themes[name]
	if !ok || len(theme.Color) != 3 {
		return DefaultBorderColor
	}
	return [3]uint8{theme.Color[0], theme.Color[1], theme.Color[2]}
}

// IconMode resolves the icon asset directory for the named theme.
// Unknown themes use the light icon set.
func IconMode(themes map[string]Theme, name string) string {
	theme, ok := themes[name]
	if !ok || theme.Mode == "" {
		return ModeLight
	}
	return theme.Mode
}
