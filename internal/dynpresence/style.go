package dynpresence

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"github.com/Shiu/dynamic-presence/internal/homeassistant"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/lights"
	"github.com/Shiu/dynamic-presence/internal/style"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

var (
	// style configuration for the room configuration printed at startup.

	list = lipgloss.NewStyle().
		MarginLeft(0).
		MarginRight(0).
		PaddingTop(1)

	listHeader = lipgloss.NewStyle().
			MarginLeft(1).
			MarginRight(2).
			Width(8).
			Align(lipgloss.Right).
			AlignVertical(lipgloss.Top).
			Foreground(lipgloss.Color("#333555")).
			Render

	listItemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#969B86", Dark: "#ccc"})

	listItemActive = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Dark: "#eee", Light: "#111"})

	withIcon = func(s, icon string) string {
		return listItemActive.Render(s) + lipgloss.NewStyle().SetString(icon).PaddingLeft(1).String()
	}
)

const LogoHeader = `
 ┌┬┐┬ ┬┌┐┌┌─┐┌┬┐┬┌─┐  ┌─┐┬─┐┌─┐┌─┐┌─┐┌┐┌┌─┐┌─┐
  ││└┬┘│││├─┤│││││    ├─┘├┬┘├┤ └─┐├┤ ││││  ├┤
 ─┴┘ ┴ ┘└┘┴ ┴┴ ┴┴└─┘  ┴  ┴└─└─┘└─┘└─┘┘└┘└─┘└─┘`

// GenerateColorFromString derives a stable color from the given seed.
func GenerateColorFromString(seedPhrase string) lipgloss.Color {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(seedPhrase))

	rng := rand.New(rand.NewSource(int64(hash.Sum64()))) //nolint:gosec

	// every channel stays above 0x40
	color := lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", 64+rng.Intn(192), 64+rng.Intn(192), 64+rng.Intn(192)))

	log.Debugf("%s color for %s", icons.Glasses, lipgloss.NewStyle().Foreground(color).Render(seedPhrase))

	return color
}

func (r *Room) fmtLightList(header string, entities []homeassistant.EntityID, active lights.Set) string {
	items := make([]string, 0, len(entities))

	for _, light := range entities {
		name := light.FmtShort()

		switch state := r.lightController().State(light); {
		case state != nil && *state:
			name = withIcon(name, icons.LightOn)
		case active.Contains(light):
			name = listItemActive.Render(name)
		default:
			name = listItemStyle.Render(name)
		}

		items = append(items, name)
	}

	if len(items) == 0 {
		items = append(items, listItemStyle.Faint(true).Italic(true).Render("none"))
	}

	return list.Render(
		lipgloss.JoinHorizontal(
			lipgloss.Top,
			listHeader(r.style.Align(lipgloss.Right).Faint(true).Render(header)),
			lipgloss.JoinVertical(lipgloss.Left, items...),
		),
	)
}

// FmtConfig renders the room configuration for the startup output.
func (r *Room) FmtConfig() string {
	cfg := r.Config()
	active := r.ActiveLights()

	settings := []string{
		fmt.Sprintf("%s %s", icons.Presence, cfg.PresenceSensor.FmtShort()),
		fmt.Sprintf("%s %s %s %s", icons.Hourglass, style.Bold(cfg.DetectionTimeout.String()), style.DarkDivider, cfg.LongTimeout.String()),
		fmt.Sprintf("%s %s%s%s %s %s", icons.Moon, FormatTimeOfDay(cfg.NightModeStart), style.Gray(6).Render("-"), FormatTimeOfDay(cfg.NightModeEnd), style.DarkDivider, cfg.ShortTimeout.String()),
	}

	if !cfg.LightSensor.IsZero() {
		settings = append(settings, fmt.Sprintf("%s %s < %s", icons.Sun, cfg.LightSensor.FmtShort(), style.Bold(fmt.Sprint(cfg.LightThreshold))))
	}

	if len(cfg.AdjacentRooms) > 0 {
		settings = append(settings, fmt.Sprintf("%s %s", icons.Adjacent, strings.Join(cfg.AdjacentRooms, ", ")))
	}

	state := r.State()
	settings = append(settings, fmt.Sprintf("%s %s", stateIcon(state), style.State(state.String())))

	lightLists := lipgloss.JoinVertical(
		lipgloss.Left,
		r.fmtLightList("lights", cfg.Lights, active),
		r.fmtLightList("night", cfg.NightLights, active),
	)

	height := max(len(settings), len(cfg.Lights)+len(cfg.NightLights)+2) + 2

	out := lipgloss.JoinHorizontal(
		lipgloss.Top,
		lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(r.color).
			BorderRight(true).
			PaddingRight(1).
			Align(lipgloss.Right).
			AlignVertical(lipgloss.Center).
			Height(height).
			Width(10).
			Render(r.FmtShort()),
		lipgloss.NewStyle().PaddingTop(1).PaddingLeft(1).Width(44).Render(lipgloss.JoinVertical(lipgloss.Left, settings...)),
		lightLists,
	)

	return lipgloss.NewStyle().MarginLeft(1).Render(out)
}
