package icons

import "github.com/charmbracelet/lipgloss"

const (
	// light related messages.
	LightOn   = "💡"
	LightOff  = "🌑"
	AlreadyOn = "🔛"

	// presence related messages.
	Presence  = "🚶"
	Motion    = "💃"
	Vacant    = "🕳️"
	Hourglass = "⏳"
	Countdown = "⏲️"
	Adjacent  = "🚪"
	Memory    = "🧠"

	// reactions & related messages.
	Blind = "🙈"
	Sleep = "💤"
	Hae   = "⁉️ ‽"
	Block = "🚫"

	// connection related messages.
	ConnectionFailed = "🔴"
	ConnectionOK     = "🟢"
	ConnectionChain  = "🔗"
	ReconnectCircle  = "↻"

	// night mode related messages.
	Alarm = "⏰"
	Moon  = "🌙"
	Sun   = "🌞"

	// other messages.
	Cross     = "✖️"
	Tick      = "✔"
	Checklist = "📋"

	Disk    = "💾"
	Glasses = "👓"
	Key     = "🔑"
	Rocket  = "🚀"
	Shrug   = "🤷‍♀️"
	Home    = "🏠"
	Call    = "📞"
	Radio   = "📡"
	Reload  = "🔄"

	Stopwatch = "⏱️"
	Sub       = "🚇"
	Watchdog  = "🐕"

	// go stylecheck linter ST1018.
	WeightLift = "🏋️‍"
	Detective  = "🕵️‍"
)

var (
	GreenTick = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")).SetString(" " + Tick)
	RedCross  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).SetString(Cross)
)
