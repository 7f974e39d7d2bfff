// Package tui is the interactive terminal front end: a record button, a
// status area and the rendered analysis.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/factlens/desktop/internal/logging"
	"github.com/factlens/desktop/internal/recorder"
	"github.com/factlens/desktop/internal/render"
	"github.com/factlens/desktop/pkg/models"
)

var log = logging.L("tui")

// Recorder is the part of recorder.Controller the UI drives.
type Recorder interface {
	Start(ctx context.Context) (string, error)
	Stop() error
	Cancel() error
	Snapshot() recorder.Status
}

// ProbeStatus is the outcome of one analysis service liveness check.
type ProbeStatus struct {
	Reachable bool
	ServerURL string
	Message   string
	Latency   time.Duration
	// Health is the relay's view of recent requests, empty when unknown.
	Health string
}

// ProbeFunc checks the analysis service.
type ProbeFunc func(ctx context.Context) ProbeStatus

// Options wires the model to the controller and the relay.
type Options struct {
	Recorder Recorder
	// Events carries controller notifications; the controller's listener
	// writes to it.
	Events    <-chan recorder.Event
	Probe     ProbeFunc
	ServerURL string
	Version   string
	// RelayDone is closed when the relay connection ends.
	RelayDone <-chan struct{}
}

type (
	eventMsg     recorder.Event
	probeMsg     ProbeStatus
	actionErrMsg struct{ err error }
	relayLostMsg struct{}
)

const probeTimeout = 20 * time.Second

// Model is the bubbletea model for the recorder UI.
type Model struct {
	opts      Options
	status    recorder.Status
	probe     *ProbeStatus
	probing   bool
	relayLost bool
	notice    string
	view      *render.View
	spinner   spinner.Model
	help      help.Model
	width     int
	height    int
	quitting  bool
}

// New builds the model. The first liveness check runs from Init.
func New(opts Options) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = dimStyle

	m := Model{
		opts:    opts,
		view:    render.New(),
		spinner: sp,
		help:    help.New(),
		width:   80,
		height:  24,
		probing: true,
	}
	if opts.Recorder != nil {
		m.status = opts.Recorder.Snapshot()
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitForEvent(m.opts.Events),
		probeCmd(m.opts.Probe),
		waitForRelayLoss(m.opts.RelayDone),
	)
}

func waitForEvent(ch <-chan recorder.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func waitForRelayLoss(done <-chan struct{}) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		<-done
		return relayLostMsg{}
	}
}

func probeCmd(probe ProbeFunc) tea.Cmd {
	if probe == nil {
		return func() tea.Msg { return probeMsg{Reachable: true} }
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return probeMsg(probe(ctx))
	}
}

func (m Model) startCmd() tea.Cmd {
	rec := m.opts.Recorder
	return func() tea.Msg {
		_, err := rec.Start(context.Background())
		var te *models.TransportError
		if err != nil && !errors.As(err, &te) {
			return actionErrMsg{err}
		}
		// Device failures arrive as an EventFailure.
		return nil
	}
}

func (m Model) stopCmd() tea.Cmd {
	rec := m.opts.Recorder
	return func() tea.Msg {
		if err := rec.Stop(); err != nil {
			return actionErrMsg{err}
		}
		return nil
	}
}

func (m Model) cancelCmd() tea.Cmd {
	rec := m.opts.Recorder
	return func() tea.Msg {
		if err := rec.Cancel(); err != nil {
			return actionErrMsg{err}
		}
		return nil
	}
}

// canRecord reports whether a new recording may start, with the reason when
// it may not.
func (m Model) canRecord() (bool, string) {
	switch {
	case m.relayLost:
		return false, "Relay connection lost; restart factlens"
	case m.probing && m.probe == nil:
		return false, "Checking analysis service..."
	case m.probe != nil && !m.probe.Reachable:
		msg := "Analysis service unreachable"
		if m.probe.Message != "" {
			msg = m.probe.Message
		}
		return false, msg + " (press p to retry)"
	}
	return true, ""
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.applyEvent(recorder.Event(msg))
		return m, waitForEvent(m.opts.Events)

	case probeMsg:
		p := ProbeStatus(msg)
		m.probe = &p
		m.probing = false
		if p.Reachable {
			log.Info("analysis service reachable", "server", p.ServerURL, "latencyMs", p.Latency.Milliseconds())
		} else {
			log.Warn("analysis service unreachable", "server", p.ServerURL, logging.KeyError, p.Message)
		}
		return m, nil

	case actionErrMsg:
		m.notice = actionNotice(msg.err)
		return m, nil

	case relayLostMsg:
		m.relayLost = true
		if m.status.State == recorder.StateRecording || m.status.State == recorder.StateProcessing {
			m.notice = "Relay connection lost; the current analysis will fail"
		}
		return m, nil

	case tea.KeyMsg:
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *Model) applyEvent(ev recorder.Event) {
	m.status = ev.Status
	switch ev.Type {
	case recorder.EventResult:
		m.view.Render(ev.Result)
		m.notice = ""
	case recorder.EventFailure:
		msg := ev.Status.Message
		if ev.Err != nil {
			msg = ev.Err.UserMessage()
		}
		m.view.RenderError(msg)
		m.notice = ""
	case recorder.EventCancelled:
		m.notice = ev.Status.Message
	}
}

func actionNotice(err error) string {
	switch {
	case errors.Is(err, recorder.ErrSessionActive):
		return "A recording is already in progress"
	case errors.Is(err, recorder.ErrNotRecording):
		return "Not recording"
	case errors.Is(err, recorder.ErrNotProcessing):
		return "Nothing to cancel"
	}
	return err.Error()
}

func (m Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, keys.Record):
		if m.opts.Recorder == nil {
			return m, nil
		}
		switch m.status.State {
		case recorder.StateRecording:
			m.notice = ""
			return m, m.stopCmd()
		case recorder.StateProcessing:
			m.notice = "Analysis in progress; press c to cancel"
			return m, nil
		default:
			if ok, why := m.canRecord(); !ok {
				m.notice = why
				return m, nil
			}
			m.notice = ""
			return m, m.startCmd()
		}

	case key.Matches(msg, keys.Cancel):
		if m.opts.Recorder == nil || m.status.State != recorder.StateProcessing {
			return m, nil
		}
		return m, m.cancelCmd()

	case key.Matches(msg, keys.Probe):
		if m.probing {
			return m, nil
		}
		m.probing = true
		m.notice = ""
		return m, probeCmd(m.opts.Probe)

	case key.Matches(msg, keys.Up):
		m.view.Move(-1)
	case key.Matches(msg, keys.Down):
		m.view.Move(1)
	case key.Matches(msg, keys.Toggle):
		m.view.Toggle(m.view.Cursor())
	case key.Matches(msg, keys.ExpandAll):
		m.view.SetAll(true)
	case key.Matches(msg, keys.CollapseAll):
		m.view.SetAll(false)
	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := titleStyle.Render("factlens")
	if m.opts.Version != "" {
		title += dimStyle.Render(" " + m.opts.Version)
	}
	b.WriteString(title + "\n")
	b.WriteString(m.statusLine() + "\n")
	b.WriteString(m.serviceLine() + "\n")
	if m.notice != "" {
		b.WriteString(warnStyle.Render("  "+m.notice) + "\n")
	}
	b.WriteString("\n")

	if body := m.view.View(m.width - 2); body != "" {
		b.WriteString(body + "\n\n")
	}
	b.WriteString(m.help.View(keys))
	return b.String()
}

func (m Model) statusLine() string {
	st := m.status
	var badge string
	switch st.State {
	case recorder.StateRecording:
		badge = recordingStyle.Render("● REC")
	case recorder.StateProcessing:
		badge = processingStyle.Render("ANALYZING")
	default:
		if ok, _ := m.canRecord(); ok {
			badge = idleStyle.Render("READY")
		} else {
			badge = offlineStyle.Render("OFFLINE")
		}
	}

	parts := []string{badge}
	if st.State == recorder.StateRecording || st.State == recorder.StateProcessing || m.probing {
		parts = append(parts, m.spinner.View())
	}
	if st.Message != "" {
		parts = append(parts, st.Message)
	}
	if st.State == recorder.StateRecording || st.State == recorder.StateProcessing {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("%s  %d chunks  %s",
			st.Elapsed.Truncate(time.Second), st.Chunks, formatBytes(st.Bytes))))
	}
	return statusBarStyle.Render(strings.Join(parts, " "))
}

func (m Model) serviceLine() string {
	url := m.opts.ServerURL
	if m.probe != nil && m.probe.ServerURL != "" {
		url = m.probe.ServerURL
	}
	switch {
	case m.relayLost:
		return dimStyle.Render("  relay: disconnected")
	case m.probing:
		return dimStyle.Render("  service: " + url + " (checking)")
	case m.probe != nil && m.probe.Reachable && unhealthy(m.probe.Health):
		return warnStyle.Render(fmt.Sprintf("  service: %s (ok, %dms, recent requests %s)", url, m.probe.Latency.Milliseconds(), m.probe.Health))
	case m.probe != nil && m.probe.Reachable:
		return dimStyle.Render(fmt.Sprintf("  service: %s (ok, %dms)", url, m.probe.Latency.Milliseconds()))
	case m.probe != nil:
		return warnStyle.Render("  service: " + url + " (unreachable)")
	}
	return dimStyle.Render("  service: " + url)
}

func unhealthy(h string) bool {
	return h == "degraded" || h == "unhealthy"
}

func formatBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
