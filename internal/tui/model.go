package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"solana-yield-agent/internal/api"
	"solana-yield-agent/internal/health"
)

// KeyMap holds the dashboard key bindings
type KeyMap struct {
	Quit, Refresh, Theme key.Binding
}

var keys = KeyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c")),
	Refresh: key.NewBinding(key.WithKeys("r")),
	Theme:   key.NewBinding(key.WithKeys("t")),
}

type statusMsg struct {
	status api.Status
	err    error
}

type healthMsg struct {
	report health.Report
	err    error
}

type tickMsg time.Time

// Model is the operator dashboard. It reads the running agent's
// /status and /health endpoints; it never touches the core directly,
// so a crashed dashboard cannot take trading down with it.
type Model struct {
	baseURL string
	client  *http.Client
	refresh time.Duration

	status    api.Status
	report    health.Report
	statusErr string

	themeIdx int
	st       styles
	spin     spinner.Model
	width    int
	loaded   bool
}

// NewModel creates a dashboard model polling the agent at baseURL.
func NewModel(baseURL string, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = time.Second
	}

	theme := Themes[0]
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Active)

	return Model{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
		refresh: refresh,
		st:      newStyles(theme),
		spin:    sp,
		width:   100,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.fetchStatus, m.fetchHealth, m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchStatus() tea.Msg {
	var st api.Status
	err := m.getJSON("/status", &st)
	return statusMsg{status: st, err: err}
}

func (m Model) fetchHealth() tea.Msg {
	var report health.Report
	err := m.getJSON("/health", &report)
	return healthMsg{report: report, err: err}
}

func (m Model) getJSON(path string, out interface{}) error {
	resp, err := m.client.Get(m.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, tea.Batch(m.fetchStatus, m.fetchHealth)
		case key.Matches(msg, keys.Theme):
			m.themeIdx = (m.themeIdx + 1) % len(Themes)
			m.st = newStyles(Themes[m.themeIdx])
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case statusMsg:
		if msg.err != nil {
			m.statusErr = msg.err.Error()
		} else {
			m.statusErr = ""
			m.status = msg.status
			m.loaded = true
		}
		return m, nil

	case healthMsg:
		if msg.err == nil {
			m.report = msg.report
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchStatus, m.fetchHealth, m.tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	title := m.st.header.Render("solana-yield-agent")
	b.WriteString(title)
	if m.statusErr != "" {
		b.WriteString("  " + m.st.bad.Render("offline: "+m.statusErr))
	} else if !m.loaded {
		b.WriteString("  " + m.spin.View() + " connecting")
	}
	b.WriteString("\n\n")

	if m.loaded {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			m.st.panel.Render(m.schedulerPanel()),
			m.st.panel.Render(m.queuePanel()),
			m.st.panel.Render(m.rpcPanel()),
		))
		b.WriteString("\n")
		b.WriteString(m.st.panel.Render(m.healthPanel()))
		b.WriteString("\n")
	}

	b.WriteString(m.st.footer.Render("[q]uit  [r]efresh  [t]heme " + Themes[m.themeIdx].Name))
	return b.String()
}

func (m Model) schedulerPanel() string {
	s := m.status.Scheduler

	state := m.st.ok.Render(s.State)
	if s.State != "running" {
		state = m.st.warn.Render(s.State)
	}

	return strings.Join([]string{
		m.st.header.Render("scheduler"),
		row("state", state),
		row("cycles", fmt.Sprintf("%d", s.Cycles)),
		row("users", fmt.Sprintf("%d (%d active)", s.LastUsers, s.LastActive)),
		row("interval", s.CurrentInterval.String()),
		row("opportunities", fmt.Sprintf("%d", s.Opportunities)),
		row("errors", fmt.Sprintf("%d", s.UserErrors)),
	}, "\n")
}

func (m Model) queuePanel() string {
	q := m.status.Queue

	return strings.Join([]string{
		m.st.header.Render("trade queue"),
		row("depth", fmt.Sprintf("%d/%d", q.Depth, q.Capacity)),
		row("confirmed", m.st.ok.Render(fmt.Sprintf("%d", q.Confirmed))),
		row("failed", m.st.bad.Render(fmt.Sprintf("%d", q.Failed))),
		row("timed out", fmt.Sprintf("%d", q.TimedOut)),
		row("ledger", fmt.Sprintf("%d recorded", m.status.Ledger.Recorded)),
	}, "\n")
}

func (m Model) rpcPanel() string {
	g := m.status.Gate
	o := m.status.Balances
	p := m.status.Prices

	hitRate := 0.0
	if p.Requests > 0 {
		hitRate = float64(p.Hits) / float64(p.Requests) * 100
	}

	return strings.Join([]string{
		m.st.header.Render("rpc + caches"),
		row("gate", fmt.Sprintf("%.1f req/s", g.LimitPerSecond)),
		row("429 hits", fmt.Sprintf("%d", g.RateLimitHits)),
		row("balances", fmt.Sprintf("%d tracked", o.Tracked)),
		row("bal hits", fmt.Sprintf("%d", o.CacheHits)),
		row("price hit%", fmt.Sprintf("%.0f%%", hitRate)),
	}, "\n")
}

func (m Model) healthPanel() string {
	parts := []string{m.st.header.Render("health")}
	for _, comp := range m.report.Components {
		mark := m.st.ok.Render("●")
		if !comp.Healthy {
			mark = m.st.bad.Render("●")
		}
		parts = append(parts, fmt.Sprintf("%s %s %dms", mark, pad(comp.Name, 12), comp.LatencyMs))
	}
	if m.report.Process.RSSBytes > 0 {
		parts = append(parts, row("rss", fmt.Sprintf("%.1f MB", float64(m.report.Process.RSSBytes)/1024/1024)))
		parts = append(parts, row("goroutines", fmt.Sprintf("%d", m.report.Process.Goroutines)))
	}
	return strings.Join(parts, "\n")
}

func row(label, value string) string {
	return pad(label, 14) + value
}

// pad right-pads to width, aware of wide runes
func pad(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
