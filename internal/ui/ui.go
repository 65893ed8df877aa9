// Package ui renders command output for the terminal.
package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/assessly/fieldsync/internal/offline/schema"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#005FAF", Dark: "#5FAFFF"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#008700", Dark: "#5FD75F"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AF0000", Dark: "#FF5F5F"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"})
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// RenderAccent highlights informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders failure markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section header.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// Bytes formats a byte count for display, e.g. "4.2 MB".
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// Ago formats a past time relative to now, e.g. "3 hours ago".
func Ago(t time.Time) string {
	return humanize.Time(t)
}

// RenderStatus colors a sync status.
func RenderStatus(s schema.SyncStatus) string {
	switch s {
	case schema.StatusSynced:
		return RenderPass(string(s))
	case schema.StatusFailed:
		return RenderFail(string(s))
	case schema.StatusSyncing:
		return RenderAccent(string(s))
	default:
		return RenderWarn(string(s))
	}
}

// SeverityMarker returns the colored marker for a warning severity.
func SeverityMarker(s schema.Severity) string {
	switch s {
	case schema.SeverityCritical:
		return RenderFail("✗")
	case schema.SeverityWarning:
		return RenderWarn("⚠")
	default:
		return RenderAccent("ℹ")
	}
}

// UsageBar draws a fixed width bar for a percentage, colored by the
// thresholds in effect.
func UsageBar(percent, high, critical float64, width int) string {
	if width <= 0 {
		width = 20
	}
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	switch {
	case percent >= critical:
		return RenderFail(bar)
	case percent >= high:
		return RenderWarn(bar)
	default:
		return RenderPass(bar)
	}
}

// PrintWarnings writes one line per warning. Nothing is written for an
// empty list.
func PrintWarnings(w io.Writer, warnings []schema.Warning) {
	for _, wr := range warnings {
		fmt.Fprintf(w, "%s %s %s\n", SeverityMarker(wr.Severity), wr.Message, RenderMuted("("+wr.ID+")"))
		if remedy := remedyFor(wr.Type); remedy != "" {
			fmt.Fprintf(w, "   %s\n", RenderMuted(remedy))
		}
	}
}

func remedyFor(t schema.WarningType) string {
	switch t {
	case schema.WarningQuotaCritical, schema.WarningQuotaHigh:
		return "Run 'fieldsync cleanup' or 'fieldsync clear --synced' to free space"
	case schema.WarningSyncStale, schema.WarningSyncFailed:
		return "Run 'fieldsync sync' while connected"
	case schema.WarningAuthExpiring:
		return "Sign in again to renew the API token"
	}
	return ""
}

// PrintUsage writes the storage usage summary.
func PrintUsage(w io.Writer, u schema.UsageSnapshot, high, critical float64) {
	fmt.Fprintf(w, "%s %s %.1f%%  %s of %s\n",
		RenderHeader("Storage"), UsageBar(u.Percent, high, critical, 20), u.Percent,
		Bytes(u.UsedBytes), Bytes(u.QuotaBytes))
	for _, c := range schema.DomainCollections() {
		fmt.Fprintf(w, "   %-13s %s\n", c, Bytes(u.ByCollection[c]))
	}
	if q := u.ByCollection[schema.SyncQueue]; q > 0 {
		fmt.Fprintf(w, "   %-13s %s\n", schema.SyncQueue, Bytes(q))
	}
}
