// Package tui renders the terminal status line of a form session.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ehr/formlock/internal/lockctl"
	"github.com/ehr/formlock/pkg/lease"
)

var (
	badge = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	activeBadge    = badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("42"))
	readOnlyBadge  = badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("220"))
	contestedBadge = badge.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("208"))

	detail  = lipgloss.NewStyle().PaddingLeft(1)
	warning = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")).
		Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("196")).Padding(0, 1)
)

// Banner is the one-line mode indicator. Owners are shown by the hint they
// registered with when known, otherwise by a shortened session id.
func Banner(st lockctl.State, sessionID string, now time.Time) string {
	switch st.Mode {
	case lockctl.Active:
		return activeBadge.Render("ACTIVE") + detail.Render("You own this form. Changes save automatically.")
	case lockctl.Contested:
		return contestedBadge.Render("CONTESTED") + detail.Render("Waiting for your decision.")
	}
	return readOnlyBadge.Render("READ-ONLY") + detail.Render(readOnlyDetail(st.Lease, sessionID, now))
}

func readOnlyDetail(l lease.Lease, sessionID string, now time.Time) string {
	switch {
	case !l.Locked():
		return "Nobody is editing. Type 'edit' to take the form."
	case l.HeldBy(sessionID):
		return "Reconnecting to your edit session."
	}
	return fmt.Sprintf("%s has been editing for %s. Type 'edit' to request control.",
		ownerName(l), l.Age(now).Truncate(time.Second))
}

// Notice renders a blocking warning, such as a rejected write.
func Notice(msg string) string {
	return warning.Render(msg)
}

// ownerName prefers the hint the owner registered with over its session id.
func ownerName(l lease.Lease) string {
	if l.OwnerHint != "" {
		return l.OwnerHint
	}
	return short(l.OwnerID)
}

// short trims session ids for display.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
