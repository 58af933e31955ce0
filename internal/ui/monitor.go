// Package ui provides an optional terminal monitor for a run.
package ui

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/oac-sh/oac/internal/events"
)

// IsTTY reports whether f is attached to a terminal.
func IsTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// RunMonitor renders live job progress from the bus until ctx ends or the
// user quits. The engine keeps running either way; the monitor is a pure
// observer.
func RunMonitor(ctx context.Context, bus *events.Bus) error {
	if !IsTTY(os.Stdout) {
		return fmt.Errorf("monitor requires a TTY")
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, _ := bus.Subscribe(subCtx)

	model := newMonitorModel(ch)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}

type jobView struct {
	JobID  string
	TaskID string
	Status string
	Stage  string
	Tokens int
}

type monitorModel struct {
	ch   <-chan events.Notification
	jobs map[string]*jobView
	done bool
}

type notificationMsg events.Notification

type busClosedMsg struct{}

func newMonitorModel(ch <-chan events.Notification) *monitorModel {
	return &monitorModel{ch: ch, jobs: make(map[string]*jobView)}
}

func (m *monitorModel) Init() tea.Cmd {
	return m.waitForNotification()
}

func (m *monitorModel) waitForNotification() tea.Cmd {
	return func() tea.Msg {
		n, ok := <-m.ch
		if !ok {
			return busClosedMsg{}
		}
		return notificationMsg(n)
	}
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case notificationMsg:
		m.apply(events.Notification(msg))
		return m, m.waitForNotification()
	case busClosedMsg:
		m.done = true
		return m, nil
	}
	return m, nil
}

func (m *monitorModel) apply(n events.Notification) {
	view, ok := m.jobs[n.JobID]
	if !ok {
		view = &jobView{JobID: n.JobID, TaskID: n.TaskID}
		m.jobs[n.JobID] = view
	}
	switch n.Type {
	case events.NotifyJobStarted:
		view.Status = n.Status
	case events.NotifyJobProgress:
		view.Stage = n.Stage
		view.Tokens = n.TokensUsed
	case events.NotifyJobTerminal:
		view.Status = n.Status
		if n.TokensUsed > 0 {
			view.Tokens = n.TokensUsed
		}
	}
}

func (m *monitorModel) View() string {
	var b strings.Builder
	b.WriteString("oac run monitor\n\n")

	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		b.WriteString("  waiting for jobs...\n")
	}
	for _, id := range ids {
		v := m.jobs[id]
		fmt.Fprintf(&b, "  %-10s %-36s %-10s %-16s %d tokens\n",
			shorten(v.JobID), v.TaskID, v.Status, v.Stage, v.Tokens)
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString("run finished. press q to exit.\n")
	} else {
		b.WriteString("press q to quit the monitor (the run continues).\n")
	}
	return b.String()
}

func shorten(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
