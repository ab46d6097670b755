package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cbrainctl/internal/status"
)

// Counts tallies tasks per status bucket.
type Counts struct {
	InFlight    int
	Recoverable int
	Succeeded   int
	Unknown     int
}

func countBuckets(tasks []status.TaskStatus) Counts {
	var c Counts
	for _, st := range tasks {
		switch st.Bucket {
		case status.InFlight:
			c.InFlight++
		case status.Recoverable:
			c.Recoverable++
		case status.TerminalSuccess:
			c.Succeeded++
		default:
			c.Unknown++
		}
	}
	return c
}

func renderHeader(title string, tasks []status.TaskStatus, lastRefresh time.Time, settled bool, theme Theme, width int) string {
	innerWidth := width - 4

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := theme.Title.Render("CBRAIN WATCH") + " " + title
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 2
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock

	c := countBuckets(tasks)
	countsLine := fmt.Sprintf(" %d tasks  %s  %s  %s  %s",
		len(tasks),
		theme.InFlight.Render(fmt.Sprintf("%d in-flight", c.InFlight)),
		theme.Recoverable.Render(fmt.Sprintf("%d recoverable", c.Recoverable)),
		theme.Succeeded.Render(fmt.Sprintf("%d succeeded", c.Succeeded)),
		theme.Unknown.Render(fmt.Sprintf("%d unknown", c.Unknown)),
	)

	refreshed := "waiting for first snapshot"
	if !lastRefresh.IsZero() {
		refreshed = "refreshed " + lastRefresh.Format("15:04:05")
	}
	if settled {
		refreshed += ", all tasks finished"
	}
	activityLine := " " + theme.Dim.Render(refreshed)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, countsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}
