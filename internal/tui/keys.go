package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Record      key.Binding
	Cancel      key.Binding
	Probe       key.Binding
	Up          key.Binding
	Down        key.Binding
	Toggle      key.Binding
	ExpandAll   key.Binding
	CollapseAll key.Binding
	Help        key.Binding
	Quit        key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Record, k.Cancel, k.Toggle, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Record, k.Cancel, k.Probe},
		{k.Up, k.Down, k.Toggle, k.ExpandAll, k.CollapseAll},
		{k.Help, k.Quit},
	}
}

var keys = keyMap{
	Record: key.NewBinding(
		key.WithKeys(" ", "r"),
		key.WithHelp("space/r", "start/stop"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("c", "esc"),
		key.WithHelp("c", "cancel analysis"),
	),
	Probe: key.NewBinding(
		key.WithKeys("p"),
		key.WithHelp("p", "recheck service"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Toggle: key.NewBinding(
		key.WithKeys("enter", "tab"),
		key.WithHelp("enter", "expand/collapse"),
	),
	ExpandAll: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "expand all"),
	),
	CollapseAll: key.NewBinding(
		key.WithKeys("E"),
		key.WithHelp("E", "collapse all"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
