package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/core-tools/hsu-orchestrator/pkg/domain"
	"github.com/core-tools/hsu-orchestrator/pkg/emergency"
	"github.com/core-tools/hsu-orchestrator/pkg/monitoring"
)

var (
	colorHealthy   = lipgloss.Color("#2CD7C7")
	colorWarning   = lipgloss.Color("#F4D03F")
	colorUnhealthy = lipgloss.Color("#E74C3C")
	colorMuted     = lipgloss.Color("#2C4A54")
)

var Styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorHealthy),
	Header:  lipgloss.NewStyle().Bold(true).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorHealthy),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorUnhealthy),
}

const statusColumn = 1

// RenderReport formats a status report as a service table followed by emergency and advisory sections
func RenderReport(report *domain.StatusReport) string {
	var b strings.Builder

	title := fmt.Sprintf("Cycle %d", report.Cycle)
	if !report.StartedAt.IsZero() {
		title += fmt.Sprintf(" at %s (%v)", report.StartedAt.Local().Format(time.DateTime), report.Duration.Round(time.Millisecond))
	}
	b.WriteString(Styles.Title.Render(title))
	b.WriteString("\n")

	rows := make([][]string, 0, len(report.Services))
	statuses := make([]monitoring.HealthStatus, 0, len(report.Services))
	for _, service := range report.Services {
		name := service.Name
		if service.Critical {
			name += " *"
		}
		restarts := fmt.Sprintf("%d/%d", service.RestartCount, service.MaxRestarts)
		if service.Exhausted {
			restarts += " exhausted"
		}
		rows = append(rows, []string{
			name,
			string(service.Status),
			restarts,
			formatTime(service.LastCheck),
			string(service.Outcome),
			service.Message,
		})
		statuses = append(statuses, service.Status)
	}

	services := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Muted).
		Headers("SERVICE", "STATUS", "RESTARTS", "LAST CHECK", "OUTCOME", "MESSAGE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			if col == statusColumn && row >= 0 && row < len(statuses) {
				return Styles.Cell.Foreground(statusColor(statuses[row]))
			}
			return Styles.Cell
		})
	b.WriteString(services.Render())
	b.WriteString("\n")

	b.WriteString(renderEmergency(report.Emergency))

	if len(report.Actions) > 0 {
		b.WriteString(Styles.Title.Render("Advisory actions"))
		b.WriteString("\n")
		for _, action := range report.Actions {
			fmt.Fprintf(&b, "  %s %s\n", Styles.Warning.Render(string(action.Type)), action.Reason)
		}
	}

	metrics := report.Metrics
	b.WriteString(Styles.Muted.Render(fmt.Sprintf("cpu %.1f%%  memory %.1f%%  disk %.1f%%  pending %d",
		metrics.CPUPercent, metrics.MemoryPercent, metrics.DiskPercent, metrics.PendingWork)))
	b.WriteString("\n")
	return b.String()
}

func renderEmergency(status emergency.Status) string {
	line := "Emergency: " + string(status.State)
	if status.Target != "" {
		line += fmt.Sprintf(", target %s, attempt %d/%d", status.Target, status.Attempts, status.MaxRestarts)
	}
	if len(status.Stopped) > 0 {
		line += ", stopped " + strings.Join(status.Stopped, ",")
	}

	switch {
	case status.Stuck:
		return Styles.Error.Render(line+", needs attention") + "\n"
	case status.State != emergency.StateNormal:
		return Styles.Warning.Render(line) + "\n"
	default:
		return Styles.Success.Render(line) + "\n"
	}
}

func statusColor(status monitoring.HealthStatus) lipgloss.Color {
	switch status {
	case monitoring.HealthStatusHealthy:
		return colorHealthy
	case monitoring.HealthStatusUnhealthy:
		return colorUnhealthy
	default:
		return colorMuted
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.TimeOnly)
}
