package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/batchd/internal/credential"
	httpapi "github.com/fyrsmithlabs/batchd/internal/http"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// Model represents the BubbleTea dashboard model
type Model struct {
	apiURL     string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	taskProgress progress.Model
	slotProgress progress.Model
}

// Snapshot holds the latest poll plus derived history.
type Snapshot struct {
	Status      httpapi.StatusResponse
	Credentials []credential.Info

	// Throughput is terminal tasks per minute since the previous poll.
	Throughput        float64
	ThroughputHistory []float64
	InFlightHistory   []float64

	// prevTerminal and prevAt feed the throughput calculation.
	prevTerminal int
	prevAt       time.Time
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a new dashboard model polling the status API at apiURL.
func NewModel(apiURL string, interval time.Duration) Model {
	return Model{
		apiURL:   apiURL,
		interval: interval,
		taskProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		slotProgress: progress.New(
			progress.WithGradient("#00ff00", "#ffff00"),
			progress.WithWidth(40),
		),
		snapshot: Snapshot{
			ThroughputHistory: make([]float64, 0, historySize),
			InFlightHistory:   make([]float64, 0, historySize),
		},
	}
}

// getBatchBadge returns the batch status badge
func getBatchBadge(status string) string {
	switch status {
	case "running":
		return healthyStyle.Render("▶ RUNNING")
	case "succeeded":
		return healthyStyle.Render("✓ SUCCEEDED")
	case "partial":
		return warningStyle.Render("⚠ PARTIAL")
	case "aborted":
		return errorStyle.Render("✗ ABORTED")
	default:
		return dimStyle.Render("○ IDLE")
	}
}

// getCredentialBadge returns a colored badge for a credential status
func getCredentialBadge(s credential.Status) string {
	switch s {
	case credential.StatusAvailable:
		return healthyStyle.Render("[✓] available")
	case credential.StatusLeased:
		return valueStyle.Render("[●] leased")
	case credential.StatusQuarantined:
		return warningStyle.Render("[⚠] quarantined")
	default:
		return errorStyle.Render("[✗] revoked")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time
type snapshotMsg struct {
	status      httpapi.StatusResponse
	credentials []credential.Info
	at          time.Time
}
type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.apiURL),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot polls the status API
func fetchSnapshot(apiURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		client := NewStatusClient(apiURL)
		status, err := client.Status(ctx)
		if err != nil {
			return errMsg(err)
		}
		creds, err := client.Credentials(ctx)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg{status: status, credentials: creds.Credentials, at: time.Now()}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.apiURL)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.apiURL),
		)

	case snapshotMsg:
		m.snapshot = m.snapshot.next(msg)
		m.lastUpdate = msg.at
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// next folds a poll result into the snapshot history.
func (s Snapshot) next(msg snapshotMsg) Snapshot {
	n := Snapshot{
		Status:            msg.status,
		Credentials:       msg.credentials,
		ThroughputHistory: s.ThroughputHistory,
		InFlightHistory:   s.InFlightHistory,
	}

	terminal, running := 0, 0
	if b := msg.status.Batch; b != nil {
		terminal = b.Terminal()
		running = b.Running
	}
	if !s.prevAt.IsZero() && msg.at.After(s.prevAt) && terminal >= s.prevTerminal {
		n.Throughput = float64(terminal-s.prevTerminal) / msg.at.Sub(s.prevAt).Minutes()
		n.ThroughputHistory = appendToHistory(n.ThroughputHistory, n.Throughput)
	}
	n.InFlightHistory = appendToHistory(n.InFlightHistory, float64(running))
	n.prevTerminal = terminal
	n.prevAt = msg.at
	return n
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("batchd Monitor")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach the batchd status API") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.apiURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Start a batch with `batchd run` and server.enabled: true") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main dashboard view
func (m Model) renderDashboard() string {
	var content string
	st := m.snapshot.Status

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	batchID, elapsed := "-", "-"
	if st.Batch != nil {
		batchID = st.Batch.BatchID
		elapsed = FormatDuration(int64(st.Batch.ElapsedSeconds))
	}

	content += headerStyle.Render(" batchd Monitor ") + "\n"
	content += fmt.Sprintf("%s   %s %s   %s %s   %s\n",
		getBatchBadge(st.Status),
		dimStyle.Render("Batch:"), valueStyle.Render(batchID),
		dimStyle.Render("Elapsed:"), valueStyle.Render(elapsed),
		dimStyle.Render(lastUpdateStr))

	// Tasks
	content += "\n" + sectionStyle.Render("┃ Tasks") + "\n"
	if b := st.Batch; b != nil {
		done := 0.0
		if b.Total > 0 {
			done = float64(b.Terminal()) / float64(b.Total)
		}
		content += labelStyle.Render("  Progress: ") +
			m.taskProgress.ViewAs(done) +
			" " + dimStyle.Render(fmt.Sprintf("%d/%d", b.Terminal(), b.Total)) + "\n"
		content += labelStyle.Render("  Pending: ") + valueStyle.Render(fmt.Sprint(b.Pending)) +
			labelStyle.Render("  Running: ") + valueStyle.Render(fmt.Sprint(b.Running)) +
			labelStyle.Render("  Succeeded: ") + healthyStyle.Render(fmt.Sprint(b.Succeeded)) +
			labelStyle.Render("  Failed: ") + errorStyle.Render(fmt.Sprint(b.Failed)) +
			labelStyle.Render("  Attempts: ") + valueStyle.Render(fmt.Sprint(b.Attempts)) + "\n"
		content += labelStyle.Render("  Throughput: ") +
			valueStyle.Render(FormatRate(m.snapshot.Throughput)) +
			"   " + createSparkline(m.snapshot.ThroughputHistory) + "\n"
	} else {
		content += dimStyle.Render("  no batch running") + "\n"
	}

	// Slots
	content += "\n" + sectionStyle.Render("┃ Worker Slots") + "\n"
	slotPercent := 0.0
	if st.Slots.Capacity > 0 {
		slotPercent = min(float64(st.Slots.InUse)/float64(st.Slots.Capacity), 1.0)
	}
	content += labelStyle.Render("  In use: ") +
		m.slotProgress.ViewAs(slotPercent) +
		" " + dimStyle.Render(fmt.Sprintf("%d/%d", st.Slots.InUse, st.Slots.Capacity)) + "\n"
	content += labelStyle.Render("  Running: ") + createSparkline(m.snapshot.InFlightHistory) + "\n"

	// Credentials
	content += "\n" + sectionStyle.Render("┃ Credentials") + "\n"
	counts := st.Credentials
	if counts.AllExhausted() {
		content += "  " + warningStyle.Render("⚠ all credentials exhausted, next expiry "+FormatUntil(counts.NextExpiry, m.now())) + "\n"
	}
	content += m.renderCredentials()

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	content += "\n" + footer

	return containerStyle.Render(content)
}

func (m Model) renderCredentials() string {
	if len(m.snapshot.Credentials) == 0 {
		return dimStyle.Render("  no credentials reported") + "\n"
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %-10s %-18s %8s %12s  %s", "REF", "STATUS", "LEASES", "QUARANTINES", "UNTIL")) + "\n")
	for _, info := range m.snapshot.Credentials {
		until := info.QuarantinedUntil
		b.WriteString(fmt.Sprintf("  %-10s %s %8d %12d  %s\n",
			info.Ref,
			lipgloss.NewStyle().Width(18).Render(getCredentialBadge(info.Status)),
			info.Leases,
			info.Quarantines,
			FormatUntil(&until, m.now()),
		))
	}
	return b.String()
}

// now is the reference time for countdowns: the last poll, if any.
func (m Model) now() time.Time {
	if m.lastUpdate.IsZero() {
		return time.Now()
	}
	return m.lastUpdate
}
