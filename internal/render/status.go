// Package render formats pipeline status output for the terminal.
package render

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"patchpilot/internal/store"
	"patchpilot/internal/verify"
)

type styles struct {
	header   lipgloss.Style
	muted    lipgloss.Style
	accepted lipgloss.Style
	rejected lipgloss.Style
	failed   lipgloss.Style
	running  lipgloss.Style
}

func newStyles() styles {
	if os.Getenv("PATCHPILOT_NO_COLOR") == "1" {
		plain := lipgloss.NewStyle()
		return styles{
			header:   plain.Bold(true),
			muted:    plain,
			accepted: plain,
			rejected: plain,
			failed:   plain,
			running:  plain,
		}
	}
	return styles{
		header:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#1d2433", Dark: "#f2f2f2"}),
		muted:    lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#4a5568", Dark: "#c7c7c7"}),
		accepted: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0f766e", Dark: "#46d1b7"}),
		rejected: lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#f4b27d"}),
		failed:   lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#b42318", Dark: "#ff7a7a"}),
		running:  lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1f6feb", Dark: "#7aa2ff"}),
	}
}

func (s styles) status(status string) lipgloss.Style {
	switch status {
	case store.StatusAccepted:
		return s.accepted
	case store.StatusRejected:
		return s.rejected
	case store.StatusFailed:
		return s.failed
	case store.StatusRunning:
		return s.running
	default:
		return s.muted
	}
}

// StatusTable renders the sample list as an aligned table, one row per
// sample, newest first.
func StatusTable(samples []store.Sample) string {
	st := newStyles()
	if len(samples) == 0 {
		return st.muted.Render("no samples") + "\n"
	}

	idW, fileW := len("SAMPLE"), len("TARGET")
	for _, s := range samples {
		if len(s.ID) > idW {
			idW = len(s.ID)
		}
		if len(s.TargetFile) > fileW {
			fileW = len(s.TargetFile)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  %s  %s\n",
		st.header.Render(pad("SAMPLE", idW)),
		st.header.Render(pad("TARGET", fileW)),
		st.header.Render(pad("STATUS", 8)),
		st.header.Render("UPDATED"),
	)
	for _, s := range samples {
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			pad(s.ID, idW),
			pad(s.TargetFile, fileW),
			st.status(s.Status).Render(pad(s.Status, 8)),
			st.muted.Render(s.UpdatedAt.Format("2006-01-02 15:04:05")),
		)
	}
	return b.String()
}

// VerificationSummary renders one sample's verification result, one gate
// per line after the verdict.
func VerificationSummary(sampleID string, res verify.Result) string {
	st := newStyles()

	verdict := st.accepted.Render("accepted")
	if !res.Accepted {
		verdict = st.rejected.Render("rejected (" + res.RejectReason + ")")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  recall=%.3f threshold=%.3f  %s\n",
		st.header.Render(sampleID), res.Recall, res.Threshold, verdict)
	for _, g := range res.Gates {
		mark := st.accepted.Render("pass")
		if !g.Passed {
			mark = st.failed.Render("FAIL")
		}
		fmt.Fprintf(&b, "  %s %s", mark, g.Name)
		if g.Detail != "" {
			fmt.Fprintf(&b, "  %s", st.muted.Render(g.Detail))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}
