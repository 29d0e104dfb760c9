// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/wird/pkg/dhikr"
	"github.com/AleutianAI/wird/services/engine"
)

// =============================================================================
// Messages
// =============================================================================

// refreshMsg carries the latest session view and sync status.
type refreshMsg struct {
	view   engine.SessionView
	status engine.SyncStatus
}

// clickedMsg carries the view after a click landed locally.
type clickedMsg struct {
	view engine.SessionView
}

// countErrMsg carries a failed operation.
type countErrMsg struct{ err error }

// tickMsg drives the periodic refresh of the display.
type tickMsg time.Time

// =============================================================================
// Styles
// =============================================================================

var (
	countTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36"))
	countBigStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	countDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	countDoneStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	countWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// =============================================================================
// Model
// =============================================================================

// countModel is the bubbletea model for the interactive counter.
//
// Every keypress is an optimistic local write; the sync machinery runs
// underneath and the status line reports it. The model never blocks the
// event loop on the network.
type countModel struct {
	manager   *engine.SessionManager
	sessionID string

	view   engine.SessionView
	status engine.SyncStatus
	bar    progress.Model
	err    error
	width  int
}

func newCountModel(manager *engine.SessionManager, view engine.SessionView) countModel {
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 40
	return countModel{
		manager:   manager,
		sessionID: view.ID,
		view:      view,
		bar:       bar,
	}
}

func (m countModel) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m countModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		view, err := m.manager.GetSession(ctx, m.sessionID)
		if err != nil {
			return countErrMsg{err: err}
		}
		status, err := m.manager.SyncStatus(ctx)
		if err != nil {
			return countErrMsg{err: err}
		}
		return refreshMsg{view: view, status: status}
	}
}

func (m countModel) clickCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		view, err := m.manager.Click(ctx, m.sessionID)
		if err != nil {
			return countErrMsg{err: err}
		}
		return clickedMsg{view: view}
	}
}

func (m countModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if w := msg.Width - 8; w > 10 && w < 72 {
			m.bar.Width = w
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case " ", "enter":
			return m, m.clickCmd()
		case "s":
			m.manager.RequestDrain()
			return m, m.refreshCmd()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case refreshMsg:
		m.view = msg.view
		m.status = msg.status
		m.err = nil
		return m, nil

	case clickedMsg:
		m.view = msg.view
		m.err = nil
		return m, nil

	case countErrMsg:
		m.err = msg.err
		return m, nil
	}
	return m, nil
}

func (m countModel) View() string {
	payload := dhikr.Parse(m.view.Payload)

	var b []string
	b = append(b, countTitleStyle.Render(payload.Display()))
	if payload.Translation != "" {
		b = append(b, countDimStyle.Render(payload.Translation))
	}
	b = append(b, "")

	if m.view.TargetCount != nil {
		target := *m.view.TargetCount
		b = append(b, countBigStyle.Render(fmt.Sprintf("  %d / %d", m.view.CurrentCount, target)))
		ratio := 0.0
		if target > 0 {
			ratio = float64(m.view.CurrentCount) / float64(target)
		}
		b = append(b, "  "+m.bar.ViewAs(ratio))
	} else {
		b = append(b, countBigStyle.Render(fmt.Sprintf("  %d", m.view.CurrentCount)))
	}
	b = append(b, "")

	if !m.view.IsActive && m.view.CompletedAt != nil {
		b = append(b, countDoneStyle.Render("  Completed ✓"))
	}

	b = append(b, countDimStyle.Render(m.statusLine()))
	if m.err != nil {
		b = append(b, countWarnStyle.Render("  "+m.err.Error()))
	}
	b = append(b, "")
	b = append(b, countDimStyle.Render("  space/enter: count   s: sync   q: quit"))

	return lipgloss.JoinVertical(lipgloss.Left, b...)
}

func (m countModel) statusLine() string {
	switch {
	case m.status.LocalOnlyMode:
		return "  local-only"
	case !m.status.Online && m.status.PendingCount > 0:
		return fmt.Sprintf("  offline, %d pending", m.status.PendingCount)
	case !m.status.Online:
		return "  offline"
	case m.status.PendingCount > 0:
		return fmt.Sprintf("  online, syncing %d", m.status.PendingCount)
	default:
		return "  online, synced"
	}
}
