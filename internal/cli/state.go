package cli

import (
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	faint  = color.New(color.Faint)
)

// paintState colours a registry or event state for a terminal.
func paintState(state string) string {
	switch state {
	case "FINISHED", "COMPLETED":
		return green.Sprint(state)
	case "WAIT", "REQUESTED", "IN_PROGRESS":
		return yellow.Sprint(state)
	case "FAILED", "FULL":
		return red.Sprint(state)
	case "DECOMMISSIONED":
		return faint.Sprint(state)
	default:
		return state
	}
}
