package ui

import (
	"fmt"
	"time"

	"github.com/BioHazard786/huddle/internal/call"
	"github.com/BioHazard786/huddle/internal/history"
	"github.com/BioHazard786/huddle/internal/media"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

func newTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

// DeviceTableView lists capture devices, grouped by kind in input order.
func DeviceTableView(devices []media.Device) string {
	if len(devices) == 0 {
		return MutedStyle.Render("No devices found")
	}

	var rows [][]string
	for i, d := range devices {
		label := d.Label
		if label == "" {
			label = MutedStyle.Render("(unnamed)")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			string(d.Kind),
			TruncateString(label, 40),
			TruncateString(d.ID, 40),
		})
	}
	return newTable([]string{"#", "Kind", "Label", "ID"}, rows).Render()
}

func dispositionStyle(d string) lipgloss.Style {
	switch call.Disposition(d) {
	case call.DispositionAnswered:
		return SuccessStyle
	case call.DispositionMissed:
		return WarningStyle
	default:
		return ErrorStyle
	}
}

// HistoryTableView renders stored calls, newest first as List returns them.
func HistoryTableView(records []history.Record, now time.Time) string {
	if len(records) == 0 {
		return MutedStyle.Render("No calls yet")
	}

	var rows [][]string
	for _, r := range records {
		rows = append(rows, []string{
			FormatTime(r.StartedAt, now),
			TruncateString(r.Destination, 30),
			r.Kind,
			dispositionStyle(r.Disposition).Render(r.Disposition),
			FormatDuration(r.Duration),
			fmt.Sprintf("%s (%s)", r.Cause, r.Originator),
		})
	}
	return newTable([]string{"Started", "Room", "Kind", "Result", "Duration", "Cause"}, rows).Render()
}

// CallSummaryView is printed when a call ends.
func CallSummaryView(s call.Summary) string {
	rows := [][]string{
		{"Room", s.Destination},
		{"Result", dispositionStyle(string(s.Disposition)).Render(string(s.Disposition))},
		{"Cause", fmt.Sprintf("%s (%s)", s.Cause, s.Originator)},
		{"Duration", FormatDuration(s.Duration())},
	}
	return newTable([]string{"Call", ""}, rows).Render()
}

// TrackStatsView shows what arrived on each remote track.
func TrackStatsView(stats []call.TrackStats) string {
	if len(stats) == 0 {
		return ""
	}
	var rows [][]string
	for _, st := range stats {
		rows = append(rows, []string{
			TruncateString(st.TrackID, 24),
			st.Kind.String(),
			fmt.Sprintf("%d", st.Packets),
			FormatBytes(st.Bytes),
		})
	}
	return newTable([]string{"Track", "Kind", "Packets", "Received"}, rows).Render()
}
