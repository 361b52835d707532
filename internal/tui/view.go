package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/goodtune/loopsync/internal/playback"
	"github.com/goodtune/loopsync/internal/storage"
)

func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderClock(),
		m.renderInstruments(),
	}
	if m.snapshot != nil && m.snapshot.Holds.Count > 0 {
		sections = append(sections, m.renderHolds())
	}
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	active := 0
	if m.snapshot != nil {
		active = m.snapshot.Stats.Totals().ActiveNow
	}

	header := fmt.Sprintf(" loopsync │ %s │ Users: %d │ Playing: %d ",
		m.storeAddr, m.Users(), active)

	return headerStyle.Width(m.width).Render(header)
}

func (m Model) renderClock() string {
	lines := []string{sectionHeaderStyle.Render("Shared Clock")}

	var gc storage.GlobalClock
	if m.global != nil {
		gc = *m.global
	}
	ts, ok := gc.Reference()

	if !ok {
		lines = append(lines, statusWarning.Render("● No shared clock yet"))
	} else {
		now := m.clock.Now().UnixMilli()
		offset, _ := playback.OffsetFor(now, gc, m.clip)

		lines = append(lines,
			RenderKeyValue("Started", time.UnixMilli(ts).Local().Format("15:04:05.000")),
			RenderKeyValue("Offset", fmt.Sprintf("%6.2fs / %.0fs", offset, m.clip)),
			RenderKeyValue("Loop", onOff(gc.LoopEnabled)),
		)
		if playback.Expired(now, gc, m.clip) {
			lines = append(lines, statusError.Render("● Clip ended"))
		} else {
			lines = append(lines, statusOK.Render("● Playing through"))
		}
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderInstruments() string {
	barWidth := m.width - 60
	if barWidth < 10 {
		barWidth = 10
	}

	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(fmt.Sprintf("%-20s %6s %7s %10s", "Instrument", "Users", "Playing", "Triggered")))
	b.WriteString("\n")

	for _, info := range storage.Instruments {
		count, active, seconds := 0, 0, 0.0
		if m.snapshot != nil {
			s := m.snapshot.Stats[info.Key]
			count, active, seconds = s.Count, s.ActiveNow, s.TotalSeconds
		}

		row := fmt.Sprintf("%s %-18s %6d %7d %10s ",
			info.Icon, info.Label, count, active, formatSeconds(seconds))
		if count == 0 {
			row = dimStyle.Render(row)
		}
		b.WriteString(row)
		b.WriteString(RenderActivityBar(active, count, barWidth))
		b.WriteString("\n")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Instruments"),
		strings.TrimRight(b.String(), "\n"),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderHolds() string {
	h := m.snapshot.Holds

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Hold Durations"),
		RenderKeyValue("Completed holds", fmt.Sprintf("%d", h.Count)),
		RenderKeyValue("p50 / p90 / p99", fmt.Sprintf("%s / %s / %s",
			formatSeconds(h.P50), formatSeconds(h.P90), formatSeconds(h.P99))),
		RenderKeyValue("Longest", formatSeconds(h.Max)),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func (m Model) renderFooter() string {
	updated := "waiting for first snapshot"
	if m.snapshot != nil {
		updated = "snapshot " + time.UnixMilli(m.snapshot.ReadAt).Local().Format("15:04:05")
	}
	return footerStyle.Render(fmt.Sprintf("q quit • r refresh • %s", mutedStyle.Render(updated)))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
