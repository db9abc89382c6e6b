// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/remodance/remodance/lib/agentapi"
	"github.com/remodance/remodance/lib/attendance"
	"github.com/remodance/remodance/lib/notify"
)

// Styles holds the lipgloss styles for one renderer and theme.
type Styles struct {
	theme    Theme
	renderer *lipgloss.Renderer

	Header lipgloss.Style
	Label  lipgloss.Style
	Value  lipgloss.Style
	Faint  lipgloss.Style
	Help   lipgloss.Style

	Online  lipgloss.Style
	Offline lipgloss.Style
	Warning lipgloss.Style
	Failure lipgloss.Style
}

// NewStyles builds styles for renderer. The renderer's color profile
// decides whether any escape sequences are emitted.
func NewStyles(renderer *lipgloss.Renderer, theme Theme) Styles {
	return Styles{
		theme:    theme,
		renderer: renderer,
		Header: renderer.NewStyle().
			Bold(true).
			Foreground(theme.HeaderForeground).
			Background(theme.HeaderBackground).
			Padding(0, 1),
		Label:   renderer.NewStyle().Foreground(theme.FaintText).Width(10),
		Value:   renderer.NewStyle().Foreground(theme.NormalText),
		Faint:   renderer.NewStyle().Foreground(theme.FaintText),
		Help:    renderer.NewStyle().Foreground(theme.HelpText),
		Online:  renderer.NewStyle().Foreground(theme.Online),
		Offline: renderer.NewStyle().Foreground(theme.Offline).Bold(true),
		Warning: renderer.NewStyle().Foreground(theme.Warning).Bold(true),
		Failure: renderer.NewStyle().Foreground(theme.Failure).Bold(true),
	}
}

// State renders an attendance state as a colored badge.
func (s Styles) State(state attendance.State) string {
	label := strings.ToUpper(strings.ReplaceAll(string(state), "-", " "))
	return s.renderer.NewStyle().
		Bold(true).
		Foreground(s.theme.StateColor(state)).
		Render("● " + label)
}

// Connectivity renders the offline indicator.
func (s Styles) Connectivity(online bool) string {
	if online {
		return s.Online.Render("● online")
	}
	return s.Offline.Render("○ offline")
}

// Status renders the status panel. now anchors relative times; lines
// wider than width are truncated, and width <= 0 disables truncation.
func (s Styles) Status(status agentapi.StatusResponse, now time.Time, width int) string {
	var lines []string
	add := func(label, value string) {
		lines = append(lines, s.Label.Render(label)+value)
	}

	header := s.Header.Render("remodance") + "  " + s.State(status.Attendance.State)
	if status.Attendance.ManualOverride {
		header += "  " + s.Faint.Render("(manual override)")
	}
	lines = append(lines, header, "")

	if !status.Attendance.ChangedAt.IsZero() {
		changed := fmt.Sprintf("%s (%s ago)", status.Attendance.ChangedAt.Local().Format(time.TimeOnly), Age(now.Sub(status.Attendance.ChangedAt)))
		if status.Attendance.LastChangeSource != "" {
			changed += " by " + string(status.Attendance.LastChangeSource)
		}
		add("since", s.Value.Render(changed))
	}

	activity := s.Value.Render(status.Monitoring.Activity)
	if status.Monitoring.Degraded {
		activity += "  " + s.Warning.Render("monitoring degraded")
	}
	add("activity", activity)

	auto := "off"
	if status.Monitoring.AutoMode {
		auto = "on"
	}
	add("idle", s.Value.Render(fmt.Sprintf("%dm timeout, auto mode %s", status.Monitoring.IdleTimeoutMins, auto)))

	add("endpoint", s.Value.Render(status.Endpoint)+"  "+s.Connectivity(status.Delivery.Online))

	queue := fmt.Sprintf("%d pending, %d in flight, %d failed", status.Queue.Pending, status.Queue.InFlight, status.Queue.FailedPermanent)
	if !status.Queue.OldestPendingAt.IsZero() {
		queue += fmt.Sprintf(", oldest %s ago", Age(now.Sub(status.Queue.OldestPendingAt)))
	}
	add("queue", s.Value.Render(queue))
	add("delivered", s.Value.Render(fmt.Sprintf("%d this session", status.Delivery.Delivered)))

	if status.Delivery.Paused {
		lines = append(lines, "", s.Failure.Render("delivery paused: ")+s.Value.Render(status.Delivery.PauseReason))
		if status.Delivery.PauseHint != "" {
			lines = append(lines, s.Faint.Render("  hint: "+status.Delivery.PauseHint))
		}
	} else if status.Delivery.LastError != "" {
		lines = append(lines, "", s.Warning.Render("last error: ")+s.Value.Render(status.Delivery.LastError))
	}

	return truncateLines(lines, width)
}

// Notification renders one notification as a single line.
func (s Styles) Notification(notification notify.Notification) string {
	stamp := s.Faint.Render(notification.At.Local().Format(time.TimeOnly))
	text := DescribeNotification(notification)
	switch notification.Kind {
	case notify.DeliveryPaused, notify.EventAbandoned, notify.DurabilityFailure:
		text = s.Failure.Render(text)
	case notify.EventRejected, notify.MonitoringDegraded:
		text = s.Warning.Render(text)
	case notify.ConnectivityChanged:
		if notification.Online != nil && !*notification.Online {
			text = s.Offline.Render(text)
		} else {
			text = s.Online.Render(text)
		}
	case notify.AttendanceChanged:
		text = s.renderer.NewStyle().Foreground(s.theme.StateColor(attendance.State(notification.State))).Render(text)
	default:
		text = s.Value.Render(text)
	}
	line := stamp + " " + text
	if notification.Hint != "" {
		line += s.Faint.Render("  (" + notification.Hint + ")")
	}
	return line
}

// DescribeNotification returns the plain-text description of a
// notification, without time or hint.
func DescribeNotification(notification notify.Notification) string {
	switch notification.Kind {
	case notify.AttendanceChanged:
		return fmt.Sprintf("%s (%s)", notification.State, notification.Source)
	case notify.ActivityUpdate:
		return "activity"
	case notify.MonitoringDegraded:
		return "activity monitoring degraded: " + notification.Message
	case notify.MonitoringRestored:
		return "activity monitoring restored"
	case notify.ConnectivityChanged:
		if notification.Online != nil && !*notification.Online {
			return "endpoint unreachable, working offline"
		}
		return "endpoint reachable"
	case notify.DeliveryPaused:
		return fmt.Sprintf("delivery paused at event %d: %s", notification.EventID, notification.Message)
	case notify.DeliveryResumed:
		return "delivery resumed"
	case notify.EventRejected:
		return fmt.Sprintf("event %d rejected: %s", notification.EventID, notification.Message)
	case notify.EventAbandoned:
		return fmt.Sprintf("event %d abandoned: %s", notification.EventID, notification.Message)
	case notify.DurabilityFailure:
		return "state change not saved: " + notification.Message
	default:
		if notification.Message != "" {
			return string(notification.Kind) + ": " + notification.Message
		}
		return string(notification.Kind)
	}
}

// Age formats a duration for status displays: seconds under a minute,
// then minutes, then hours and minutes.
func Age(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh%02dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}

func truncateLines(lines []string, width int) string {
	if width > 0 {
		for i, line := range lines {
			lines[i] = ansi.Truncate(line, width, "…")
		}
	}
	return strings.Join(lines, "\n")
}
