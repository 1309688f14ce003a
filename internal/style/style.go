package style

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	Gray = func(shade int) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(fmt.Sprintf("#%x%x%x", shade, shade, shade)))
	}

	BoldStyle = Gray(238).Bold(true) // #eeeeee
	Bold      = BoldStyle.Render

	LightGray = Gray(9)

	HABlue  = lipgloss.Color("#1DAEEF")
	HAStyle = lipgloss.NewStyle().Foreground(HABlue)

	DarkDivider        = Gray(5).SetString("⁞")
	DarkerDivider      = Gray(3).SetString("|")
	DarkIndicatorLeft  = LightGray.SetString("←")
	DarkIndicatorRight = LightGray.SetString("→")
)

func ColorizeHABlue(text string) string {
	return HAStyle.SetString(text).Render()
}

func HABlueFrame(text string) string {
	return ColorizeHABlue("<") + text + ColorizeHABlue(">")
}

var stateColors = map[string]lipgloss.Color{
	"vacant":            lipgloss.Color("#777777"),
	"occupied":          lipgloss.Color("#7CFC00"),
	"detection_timeout": lipgloss.Color("#FFD700"),
	"countdown":         lipgloss.Color("#FF8C00"),
}

// State renders a room state name in its color.
func State(name string) string {
	color, ok := stateColors[name]
	if !ok {
		return Bold(name)
	}

	return lipgloss.NewStyle().Foreground(color).Bold(true).Render(name)
}
