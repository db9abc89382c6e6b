// Copyright 2026 The Remodance Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/remodance/remodance/lib/agentapi"
	"github.com/remodance/remodance/lib/control"
	"github.com/remodance/remodance/lib/notify"
)

const (
	// dashboardCallTimeout bounds each control call the dashboard
	// makes.
	dashboardCallTimeout = 10 * time.Second

	// dashboardLogSize is how many recent notifications are shown.
	dashboardLogSize = 8
)

// Agent is the part of the agent API the dashboard drives.
// *agentapi.Client implements it.
type Agent interface {
	Status(ctx context.Context) (agentapi.StatusResponse, error)
	Toggle(ctx context.Context) (agentapi.ChangeResponse, error)
	Resume(ctx context.Context) (agentapi.ResumeResponse, error)
}

// DashboardKeyMap defines the dashboard's key bindings.
type DashboardKeyMap struct {
	Toggle  key.Binding
	Resume  key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

// DefaultDashboardKeyMap is the built-in key binding set.
var DefaultDashboardKeyMap = DashboardKeyMap{
	Toggle: key.NewBinding(
		key.WithKeys("t", " "),
		key.WithHelp("t", "check in/out"),
	),
	Resume: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "resume delivery"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("g", "ctrl+r"),
		key.WithHelp("g", "refresh"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp implements help.KeyMap.
func (keys DashboardKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{keys.Toggle, keys.Resume, keys.Help, keys.Quit}
}

// FullHelp implements help.KeyMap.
func (keys DashboardKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{keys.Toggle, keys.Resume},
		{keys.Refresh, keys.Help, keys.Quit},
	}
}

type statusMsg struct {
	status agentapi.StatusResponse
	err    error
}

type actionMsg struct {
	description string
	err         error
}

type notificationMsg struct {
	notification notify.Notification
}

type feedClosedMsg struct{}

// Dashboard is the bubbletea model for the live dashboard. It shows
// the status panel and the most recent notifications, and re-reads
// the status after every notification that can change it.
type Dashboard struct {
	agent         Agent
	notifications <-chan notify.Notification
	now           func() time.Time

	styles  Styles
	keys    DashboardKeyMap
	help    help.Model
	spinner spinner.Model

	status       agentapi.StatusResponse
	loaded       bool
	busy         bool
	feedClosed   bool
	lastSequence uint64
	recent       []notify.Notification
	message      string
	err          error
	width        int
}

// NewDashboard returns a dashboard for agent. notifications is the
// agent's watch feed; it may be nil, in which case the panel only
// updates on refresh.
func NewDashboard(agent Agent, notifications <-chan notify.Notification, styles Styles) Dashboard {
	indicator := spinner.New(spinner.WithSpinner(spinner.Dot))
	indicator.Style = styles.Faint
	helpModel := help.New()
	helpModel.Styles.ShortKey = styles.Help
	helpModel.Styles.ShortDesc = styles.Faint
	helpModel.Styles.FullKey = styles.Help
	helpModel.Styles.FullDesc = styles.Faint
	return Dashboard{
		agent:         agent,
		notifications: notifications,
		now:           time.Now,
		styles:        styles,
		keys:          DefaultDashboardKeyMap,
		help:          helpModel,
		spinner:       indicator,
		busy:          true,
	}
}

// Init implements tea.Model.
func (model Dashboard) Init() tea.Cmd {
	return tea.Batch(model.fetchStatus(), model.listen(), model.spinner.Tick)
}

func (model Dashboard) fetchStatus() tea.Cmd {
	agent := model.agent
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), dashboardCallTimeout)
		defer cancel()
		status, err := agent.Status(ctx)
		return statusMsg{status: status, err: err}
	}
}

// listen returns a command that blocks until the next notification.
func (model Dashboard) listen() tea.Cmd {
	if model.notifications == nil {
		return nil
	}
	channel := model.notifications
	return func() tea.Msg {
		notification, ok := <-channel
		if !ok {
			return feedClosedMsg{}
		}
		return notificationMsg{notification: notification}
	}
}

func (model Dashboard) toggle() tea.Cmd {
	agent := model.agent
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), dashboardCallTimeout)
		defer cancel()
		response, err := agent.Toggle(ctx)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{description: "now " + string(response.Status.State)}
	}
}

func (model Dashboard) resume() tea.Cmd {
	agent := model.agent
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), dashboardCallTimeout)
		defer cancel()
		response, err := agent.Resume(ctx)
		if err != nil {
			return actionMsg{err: err}
		}
		if !response.Resumed {
			return actionMsg{description: "delivery was not paused"}
		}
		return actionMsg{description: "delivery resumed"}
	}
}

// Update implements tea.Model.
func (model Dashboard) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.help.Width = message.Width
		return model, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(message, model.keys.Quit):
			return model, tea.Quit
		case key.Matches(message, model.keys.Help):
			model.help.ShowAll = !model.help.ShowAll
			return model, nil
		case key.Matches(message, model.keys.Toggle):
			if model.busy {
				return model, nil
			}
			model.busy = true
			return model, model.toggle()
		case key.Matches(message, model.keys.Resume):
			if model.busy {
				return model, nil
			}
			model.busy = true
			return model, model.resume()
		case key.Matches(message, model.keys.Refresh):
			model.busy = true
			return model, model.fetchStatus()
		}
		return model, nil

	case statusMsg:
		model.busy = false
		if message.err != nil {
			model.err = message.err
			return model, nil
		}
		model.err = nil
		model.status = message.status
		model.loaded = true
		return model, nil

	case actionMsg:
		if message.err != nil {
			model.busy = false
			model.err = message.err
			return model, nil
		}
		model.err = nil
		model.message = message.description
		return model, model.fetchStatus()

	case notificationMsg:
		return model.receive(message.notification)

	case feedClosedMsg:
		model.feedClosed = true
		return model, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(message)
		return model, cmd
	}
	return model, nil
}

func (model Dashboard) receive(notification notify.Notification) (tea.Model, tea.Cmd) {
	// A gap in the sequence means the feed dropped notifications, so
	// the status is re-read even for kinds that never change it.
	gap := model.lastSequence != 0 && notification.Sequence > model.lastSequence+1
	model.lastSequence = notification.Sequence

	if notification.Kind != notify.ActivityUpdate {
		model.recent = append(model.recent, notification)
		if len(model.recent) > dashboardLogSize {
			model.recent = model.recent[len(model.recent)-dashboardLogSize:]
		}
	}

	cmds := []tea.Cmd{model.listen()}
	if gap || notification.Kind != notify.ActivityUpdate {
		cmds = append(cmds, model.fetchStatus())
	}
	return model, tea.Batch(cmds...)
}

// View implements tea.Model.
func (model Dashboard) View() string {
	var builder strings.Builder
	if !model.loaded {
		builder.WriteString(model.spinner.View() + " connecting to the agent")
		if model.err != nil {
			builder.WriteString("\n\n" + model.describeError(model.err))
		}
		builder.WriteString("\n\n" + model.help.View(model.keys))
		return builder.String()
	}

	builder.WriteString(model.styles.Status(model.status, model.now(), model.width))
	builder.WriteString("\n\n")

	if len(model.recent) > 0 {
		builder.WriteString(model.styles.Faint.Render("recent") + "\n")
		for _, notification := range model.recent {
			builder.WriteString(truncateLines([]string{model.styles.Notification(notification)}, model.width) + "\n")
		}
		builder.WriteString("\n")
	}

	switch {
	case model.err != nil:
		builder.WriteString(model.describeError(model.err) + "\n")
	case model.feedClosed:
		builder.WriteString(model.styles.Offline.Render("agent stopped; press q to quit") + "\n")
	case model.busy:
		builder.WriteString(model.spinner.View() + "\n")
	case model.message != "":
		builder.WriteString(model.styles.Faint.Render(model.message) + "\n")
	}

	builder.WriteString(model.help.View(model.keys))
	return builder.String()
}

func (model Dashboard) describeError(err error) string {
	text := model.styles.Failure.Render(fmt.Sprintf("error: %v", err))
	if hint := control.HintOf(err); hint != "" {
		text += "\n" + model.styles.Faint.Render("  hint: "+hint)
	}
	return text
}
