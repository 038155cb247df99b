package menu

import "fmt"

// MaxDepth is the deepest nesting level handled automatically. Depths run
// from 0 (top-level menu) to MaxDepth.
const MaxDepth = 3

// Context is one entry of the menu navigation stack.
type Context struct {
	ID           string   `json:"id"`
	ParentID     string   `json:"parent_id,omitempty"`
	Depth        int      `json:"depth"`
	Options      []Option `json:"options"`
	WorkflowType string   `json:"workflow_type,omitempty"`
}

// NavigationEscalation is returned when nesting exceeds MaxDepth or a
// navigation handles more than MaxHops menus. It carries the full stack so
// a human can see where navigation got lost.
type NavigationEscalation struct {
	Attempted Context   `json:"attempted"`
	Stack     []Context `json:"stack"`
	Hops      int       `json:"hops,omitempty"`
}

func (e *NavigationEscalation) Error() string {
	if e.Hops > 0 {
		return fmt.Sprintf("menu navigation passed %d menus without finishing at %s", e.Hops, e.Attempted.ID)
	}
	return fmt.Sprintf("menu nesting exceeds depth %d at %s", MaxDepth, e.Attempted.ID)
}

// Stack is a bounded stack of menu contexts backed by a fixed arena.
type Stack struct {
	arena [MaxDepth + 1]Context
	n     int
}

// Push adds ctx as a child of the current top. Its ParentID and Depth are
// assigned from the stack position.
func (s *Stack) Push(ctx Context) (Context, error) {
	if s.n > 0 {
		ctx.ParentID = s.arena[s.n-1].ID
	}
	ctx.Depth = s.n
	if s.n > MaxDepth {
		return ctx, &NavigationEscalation{Attempted: ctx, Stack: s.Items()}
	}
	s.arena[s.n] = ctx
	s.n++
	return ctx, nil
}

// Pop removes the top context.
func (s *Stack) Pop() (Context, bool) {
	if s.n == 0 {
		return Context{}, false
	}
	s.n--
	ctx := s.arena[s.n]
	s.arena[s.n] = Context{}
	return ctx, true
}

// Top returns the current context.
func (s *Stack) Top() (Context, bool) {
	if s.n == 0 {
		return Context{}, false
	}
	return s.arena[s.n-1], true
}

// Len returns the number of contexts on the stack.
func (s *Stack) Len() int { return s.n }

// Items returns the stack bottom first.
func (s *Stack) Items() []Context {
	out := make([]Context, s.n)
	copy(out, s.arena[:s.n])
	return out
}

// Reset empties the stack.
func (s *Stack) Reset() {
	*s = Stack{}
}
