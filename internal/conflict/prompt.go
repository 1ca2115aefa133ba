package conflict

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("208")).
			Padding(0, 1)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
	optionStyle   = lipgloss.NewStyle().Padding(0, 1)
	hintStyle     = lipgloss.NewStyle().Faint(true)
)

// Prompt asks on a terminal.
type Prompt struct {
	in  io.Reader
	out io.Writer
}

// NewPrompt creates a Prompt that reads keys from in and draws on out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: in, out: out}
}

func (p *Prompt) Resolve(ctx context.Context, c Conflict) Decision {
	prog := tea.NewProgram(newPromptModel(c),
		tea.WithContext(ctx),
		tea.WithInput(p.in),
		tea.WithOutput(p.out),
	)
	final, err := prog.Run()
	if err != nil {
		return Watch
	}
	m, ok := final.(promptModel)
	if !ok || !m.done {
		return Watch
	}
	return m.choice
}

type promptModel struct {
	conflict Conflict
	choice   Decision
	done     bool
}

func newPromptModel(c Conflict) promptModel {
	return promptModel{conflict: c, choice: Watch}
}

func (m promptModel) Init() tea.Cmd { return nil }

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y", "t":
		m.choice, m.done = TakeOwnership, true
		return m, tea.Quit
	case "n", "N", "w", "esc", "ctrl+c", "q":
		m.choice, m.done = Watch, true
		return m, tea.Quit
	case "left", "right", "tab", "h", "l":
		if m.choice == Watch {
			m.choice = TakeOwnership
		} else {
			m.choice = Watch
		}
	case "enter":
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m promptModel) View() string {
	if m.done {
		return ""
	}
	take, watch := optionStyle.Render("Take ownership"), optionStyle.Render("Watch")
	if m.choice == TakeOwnership {
		take = selectedStyle.Render("Take ownership")
	} else {
		watch = selectedStyle.Render("Watch")
	}
	owner := m.conflict.OwnerHint
	if owner == "" {
		owner = m.conflict.Owner
	}
	if owner == "" {
		owner = "another session"
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Form is being edited"),
		fmt.Sprintf("%s has held %s for %s.", owner, m.conflict.FormID, humanAge(m.conflict.Age)),
		"Taking ownership discards their unsaved edits.",
		"",
		lipgloss.JoinHorizontal(lipgloss.Top, take, " ", watch),
		hintStyle.Render("y take · n watch · ←/→ select · enter confirm"),
	)
	return boxStyle.Render(body) + "\n"
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh%02dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}
