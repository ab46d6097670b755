package watch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cbrainctl/internal/status"
)

// Fetcher reads one snapshot of the watched tasks.
type Fetcher func(ctx context.Context) ([]status.TaskStatus, error)

type snapshotMsg struct {
	tasks []status.TaskStatus
	at    time.Time
}

type errMsg struct{ err error }

type tickMsg time.Time

// Option configures a Model.
type Option func(*Model)

// WithInterval sets the time between snapshots.
func WithInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// ExitWhenSettled quits once every watched task is terminal.
func ExitWhenSettled() Option {
	return func(m *Model) { m.exitWhenSettled = true }
}

// Model is the bubbletea model of the watch view. It only reads status.
type Model struct {
	ctx   context.Context
	fetch Fetcher
	title string

	interval        time.Duration
	exitWhenSettled bool

	width  int
	height int

	tasks       []status.TaskStatus
	lastRefresh time.Time
	lastError   string

	table table.Model
	theme Theme
}

// New returns a model that polls fetch under ctx.
func New(ctx context.Context, title string, fetch Fetcher, opts ...Option) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Task", Width: 8},
			{Title: "Status", Width: 24},
			{Title: "Bucket", Width: 12},
			{Title: "Type", Width: 20},
			{Title: "Batch", Width: 8},
			{Title: "Updated", Width: 9},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	m := Model{
		ctx:      ctx,
		fetch:    fetch,
		title:    title,
		interval: status.DefaultPollInterval,
		table:    t,
		theme:    NewDefaultTheme(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Tasks returns the latest snapshot.
func (m Model) Tasks() []status.TaskStatus { return m.tasks }

// Settled reports whether the latest snapshot holds only terminal tasks.
func (m Model) Settled() bool { return status.Settled(m.tasks) }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tea.EnterAltScreen)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.table.SetHeight(max(m.height-12, 3))

	case snapshotMsg:
		m.tasks = msg.tasks
		m.lastRefresh = msg.at
		m.lastError = ""
		m.table.SetRows(rows(msg.tasks))
		if m.exitWhenSettled && m.Settled() {
			return m, tea.Quit
		}
		return m, m.next()

	case errMsg:
		m.lastError = msg.err.Error()
		return m, m.next()

	case tickMsg:
		return m, m.refresh()
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading tasks..."
	}

	header := renderHeader(m.title, m.tasks, m.lastRefresh, m.Settled(), m.theme, m.width)
	tasks := m.theme.Border.Width(m.width - 4).Render(m.table.View())

	parts := []string{header, tasks}
	if m.lastError != "" {
		parts = append(parts, m.theme.Error.Render(" ! "+m.lastError))
	}
	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(fmt.Sprintf(" [q] Quit • [↑/↓] Scroll • every %s", m.interval))
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func (m Model) refresh() tea.Cmd {
	ctx, fetch := m.ctx, m.fetch
	return func() tea.Msg {
		tasks, err := fetch(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return snapshotMsg{tasks: tasks, at: time.Now()}
	}
}

func (m Model) next() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func rows(tasks []status.TaskStatus) []table.Row {
	out := make([]table.Row, 0, len(tasks))
	for _, st := range tasks {
		batch := "-"
		if st.Task.BatchID != 0 {
			batch = strconv.Itoa(st.Task.BatchID)
		}
		updated := "-"
		if !st.Task.UpdatedAt.IsZero() {
			updated = st.Task.UpdatedAt.Local().Format("15:04:05")
		}
		out = append(out, table.Row{
			strconv.Itoa(st.TaskID),
			st.Raw,
			st.Bucket.String(),
			shortType(st.Task.Type),
			batch,
			updated,
		})
	}
	return out
}

// shortType drops the task class namespace: BoutiquesTask::Hippunfold
// becomes Hippunfold.
func shortType(typ string) string {
	if i := strings.LastIndex(typ, "::"); i >= 0 {
		return typ[i+2:]
	}
	return typ
}
