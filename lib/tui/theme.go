// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/remodance/remodance/lib/attendance"
)

// Theme defines the color palette. All colors are ANSI 256-color codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Attendance states.
	CheckedIn  lipgloss.Color
	CheckedOut lipgloss.Color

	// Connectivity and delivery.
	Online  lipgloss.Color
	Offline lipgloss.Color
	Warning lipgloss.Color
	Failure lipgloss.Color

	HeaderForeground lipgloss.Color
	HeaderBackground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	CheckedIn:  lipgloss.Color("114"), // green
	CheckedOut: lipgloss.Color("245"), // gray

	Online:  lipgloss.Color("114"),
	Offline: lipgloss.Color("208"), // orange
	Warning: lipgloss.Color("220"), // amber
	Failure: lipgloss.Color("196"), // red

	HeaderForeground: lipgloss.Color("255"),
	HeaderBackground: lipgloss.Color("24"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),
}

// StateColor returns the color for an attendance state. Unknown
// values return FaintText.
func (theme Theme) StateColor(state attendance.State) lipgloss.Color {
	switch state {
	case attendance.CheckedIn:
		return theme.CheckedIn
	case attendance.CheckedOut:
		return theme.CheckedOut
	default:
		return theme.FaintText
	}
}
