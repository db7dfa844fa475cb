package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/odprt-iep/hybridrag/internal/store"
)

// TUIRenderer draws a live progress panel with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *ingestModel
	tracker *Tracker
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, errors.New("output is not a terminal")
	}
	tracker := NewTracker()
	model := newIngestModel(tracker, cfg.Title)
	model.styles = GetStyles(cfg.NoColor)
	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program != nil {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// FileStarted implements Renderer.
func (r *TUIRenderer) FileStarted(source string, index, total int) {
	r.tracker.FileStarted(source, index, total)
	r.send(refreshMsg{})
}

// BatchWritten implements Renderer.
func (r *TUIRenderer) BatchWritten(p store.BatchProgress) {
	r.tracker.BatchWritten(p)
	r.send(refreshMsg{})
}

// FileFinished implements Renderer.
func (r *TUIRenderer) FileFinished(string, int) {
	r.tracker.FileFinished()
	r.send(refreshMsg{})
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.tracker.AddError(event)
	r.send(refreshMsg{})
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.send(completeMsg(stats))
}

// Stop implements Renderer. It waits briefly for the program to restore
// the terminal.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.program == nil {
		return nil
	}
	r.program.Quit()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

type (
	refreshMsg  struct{}
	completeMsg CompletionStats
	tickMsg     time.Time
)

// ingestModel is the bubbletea model behind TUIRenderer.
type ingestModel struct {
	tracker  *Tracker
	title    string
	width    int
	quitting bool
	complete bool
	stats    CompletionStats
	spinner  spinner.Model
	bar      progress.Model
	styles   Styles
}

func newIngestModel(tracker *Tracker, title string) *ingestModel {
	if title == "" {
		title = "hybridrag ingest"
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	return &ingestModel{
		tracker: tracker,
		title:   title,
		width:   80,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorAccent),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		styles: DefaultStyles(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m *ingestModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

// Update implements tea.Model.
func (m *ingestModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)
	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *ingestModel) View() string {
	if m.quitting {
		return "Cancelled.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	width := max(m.width-4, 40)
	st := m.tracker.Stats()
	divider := m.styles.Border.Render(strings.Repeat("─", width))

	sections := []string{m.renderFiles(st), divider, m.renderBatch(st), m.renderSpeed(st)}
	if st.CurrentFile != "" {
		sections = append(sections, divider, m.styles.Dim.Render(truncatePath(st.CurrentFile, width-2)))
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorDarkGray)).
		Padding(0, 1).
		Width(width)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.styles.Header.Render(m.title),
		panel.Render(strings.Join(sections, "\n")),
	) + "\n" + m.renderStatusBar(st)
}

func (m *ingestModel) renderFiles(st Stats) string {
	if st.FilesTotal == 0 {
		return fmt.Sprintf("%s %s", m.spinner.View(), m.styles.Dim.Render("Preparing..."))
	}
	bar := m.bar.ViewAs(st.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", st.Progress*100))
	count := m.styles.Label.Render(fmt.Sprintf("%d / %d files", st.FilesDone, st.FilesTotal))
	return fmt.Sprintf("%s  %s\n%s", bar, pct, count)
}

func (m *ingestModel) renderBatch(st Stats) string {
	line := fmt.Sprintf("%s %d records", m.spinner.View(), st.Records)
	if st.Batches > 0 {
		line += m.styles.Label.Render(fmt.Sprintf("  (batch %d/%d)", st.Batch, st.Batches))
	}
	return line
}

func (m *ingestModel) renderSpeed(st Stats) string {
	parts := []string{m.styles.Label.Render(fmt.Sprintf("Speed: %.0f records/s", st.Speed))}
	if st.ETA > 0 {
		parts = append(parts, m.styles.Label.Render("ETA: "+formatDuration(st.ETA)))
	}
	return strings.Join(parts, m.styles.Dim.Render("  •  "))
}

func (m *ingestModel) renderStatusBar(st Stats) string {
	var parts []string
	if st.Warnings > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", st.Warnings)))
	}
	if st.Errors > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", st.Errors)))
	}
	parts = append(parts, m.styles.Dim.Render("q to quit"))
	return strings.Join(parts, m.styles.Dim.Render("  │  "))
}

func (m *ingestModel) renderComplete() string {
	lines := []string{
		m.styles.Success.Render("✓ Ingestion complete"),
		"",
		fmt.Sprintf("%s   %s", m.styles.Label.Render("Files:"), m.styles.Active.Render(fmt.Sprint(m.stats.Files))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Records:"), m.styles.Active.Render(fmt.Sprint(m.stats.Records))),
		fmt.Sprintf("%s    %s", m.styles.Label.Render("Time:"), m.styles.Active.Render(formatDuration(m.stats.Duration))),
	}
	if m.stats.Deleted > 0 {
		lines = append(lines, fmt.Sprintf("%s %s", m.styles.Label.Render("Replaced:"), fmt.Sprint(m.stats.Deleted)))
	}
	if m.stats.Errors > 0 {
		lines = append(lines, "", m.styles.Error.Render(fmt.Sprintf("✗ %d errors", m.stats.Errors)))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorAccent)).
		Padding(1, 2).
		Width(max(m.width-4, 40)).
		Render(strings.Join(lines, "\n")) + "\n"
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		if s := int(d.Seconds()) % 60; s != 0 {
			return fmt.Sprintf("%dm %ds", int(d.Minutes()), s)
		}
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// truncatePath keeps the file name and as much of its directory as fits.
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	if maxLen < 4 {
		return "..."
	}
	i := strings.LastIndex(path, "/")
	name := path[i+1:]
	if len(name)+4 > maxLen {
		return "..." + name[len(name)-maxLen+3:]
	}
	dir := path[:max(i, 0)]
	keep := maxLen - len(name) - 4
	if keep <= 0 || i < 0 {
		return ".../" + name
	}
	return "..." + dir[len(dir)-keep:] + "/" + name
}

var _ Renderer = (*TUIRenderer)(nil)
