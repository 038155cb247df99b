package human

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	accentColor = lipgloss.Color("#7C3AED")
	mutedColor  = lipgloss.Color("#6B7280")
	dangerColor = lipgloss.Color("#EF4444")
	okColor     = lipgloss.Color("#10B981")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(accentColor).
			Padding(0, 1)

	dangerTitleStyle = titleStyle.Background(dangerColor)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	keyStyle         = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	recommendedStyle = lipgloss.NewStyle().Foreground(okColor)
	hintStyle        = lipgloss.NewStyle().Foreground(mutedColor)
)

// Console asks questions on a terminal. Input lines are read by one
// goroutine so an abandoned prompt never swallows the next answer.
type Console struct {
	out   io.Writer
	lines chan string
	once  sync.Once
	in    io.Reader
}

// NewConsole creates a console channel.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out, lines: make(chan string)}
}

func (c *Console) start() {
	c.once.Do(func() {
		go func() {
			sc := bufio.NewScanner(c.in)
			for sc.Scan() {
				c.lines <- sc.Text()
			}
			close(c.lines)
		}()
	})
}

// Ask implements Channel.
func (c *Console) Ask(ctx context.Context, p Prompt) (Response, error) {
	c.start()
	fmt.Fprintln(c.out, Render(p))

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out, hintStyle.Render("(no answer, aborting)"))
			return Response{}, ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				return Response{}, io.EOF
			}
			resp, valid := parseAnswer(p, strings.TrimSpace(line))
			if valid {
				return resp, nil
			}
			fmt.Fprintln(c.out, hintStyle.Render("unrecognised answer, try again"))
		}
	}
}

// Render formats a prompt for the terminal.
func Render(p Prompt) string {
	var b strings.Builder
	title := titleStyle
	if p.Kind == KindDestructive {
		title = dangerTitleStyle
	}
	b.WriteString(title.Render(p.Title))
	b.WriteString("\n")
	if p.Body != "" {
		b.WriteString(p.Body)
		b.WriteString("\n")
	}
	if p.Reason != "" {
		b.WriteString(hintStyle.Render(p.Reason))
		b.WriteString("\n")
	}
	for _, o := range p.Options {
		line := keyStyle.Render("["+o.Key+"]") + " " + o.Label
		if o.Key == p.Recommended {
			line += " " + recommendedStyle.Render("(recommended)")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(hintStyle.Render(answerHint(p)))
	return boxStyle.Render(b.String())
}

func answerHint(p Prompt) string {
	switch p.Kind {
	case KindChoice:
		return "choose an option, or 'abort'"
	case KindInput:
		return "enter a value, or 'abort'"
	default:
		return "yes / no / abort"
	}
}

func parseAnswer(p Prompt, line string) (Response, bool) {
	if strings.EqualFold(line, ChoiceAbort) {
		return Response{Choice: ChoiceAbort}, true
	}
	switch p.Kind {
	case KindInput:
		if line == "" {
			return Response{}, false
		}
		return Response{Value: line}, true
	case KindChoice:
		if line == "" && p.Recommended != "" {
			return Response{Choice: p.Recommended}, true
		}
		for _, o := range p.Options {
			if strings.EqualFold(line, o.Key) {
				return Response{Choice: o.Key}, true
			}
		}
		return Response{}, false
	default:
		switch strings.ToLower(line) {
		case "y", "yes":
			return Response{Choice: ChoiceYes}, true
		case "n", "no":
			return Response{Choice: ChoiceNo}, true
		}
		return Response{}, false
	}
}
