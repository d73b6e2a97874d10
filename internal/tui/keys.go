package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap lists the live view's bindings.
type keyMap struct {
	Next  key.Binding
	Prev  key.Binding
	Tasks key.Binding
	Graph key.Binding
	Down  key.Binding
	Up    key.Binding
	Quit  key.Binding
}

var keys = keyMap{
	Next:  key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	Prev:  key.NewBinding(key.WithKeys("shift+tab")),
	Tasks: key.NewBinding(key.WithKeys("1"), key.WithHelp("1/2", "jump to pane")),
	Graph: key.NewBinding(key.WithKeys("2")),
	Down:  key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/k", "select task")),
	Up:    key.NewBinding(key.WithKeys("k", "up")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Tasks, k.Down, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// helpView renders the one-line help bar.
func helpView() string {
	h := help.New()
	h.ShortSeparator = " | "
	h.Styles.ShortKey = StyleHelp.Bold(true)
	h.Styles.ShortDesc = StyleHelp
	h.Styles.ShortSeparator = StyleHelp
	return h.View(keys)
}
