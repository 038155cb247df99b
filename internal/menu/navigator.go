package menu

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Outcome is the result of handling one piece of agent output.
type Outcome struct {
	Detection  Detection             `json:"detection"`
	Context    *Context              `json:"context,omitempty"`
	Selection  *Selection            `json:"selection,omitempty"`
	Escalation *NavigationEscalation `json:"escalation,omitempty"`
}

// NeedsHuman reports whether a person must pick the option.
func (o Outcome) NeedsHuman() bool {
	if o.Escalation != nil {
		return true
	}
	return o.Selection != nil && o.Selection.Mode != ModeAuto
}

// Navigator ties detection, selection, the nesting stack, and the
// selection history together for one workflow.
type Navigator struct {
	mu       sync.Mutex
	detector *Detector
	selector *Selector
	stack    Stack
	history  *History
	hops     int
	workflow string
	logger   *zap.Logger
	now      func() time.Time
}

// NewNavigator creates a Navigator for the given workflow type.
func NewNavigator(workflowType string, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{
		detector: NewDetector(),
		selector: NewSelector(),
		history:  NewHistory(),
		workflow: workflowType,
		logger:   logger,
		now:      time.Now,
	}
}

// MaxHops bounds the menus handled in one navigation, so a sub-flow that
// keeps returning to its parent cannot cycle forever.
const MaxHops = 12

// Handle detects a menu in text. Output without a menu ends the current
// navigation and clears the stack. A menu that is already open is current
// again: any nested menus above it were exited and are popped. Any other
// menu is pushed as a child of the top. Exceeding MaxDepth, or passing
// MaxHops menus in one navigation, escalates.
// Auto selections are recorded immediately; everything else waits for
// RecordManual.
func (n *Navigator) Handle(text string, hint Hint) Outcome {
	det := n.detector.Detect(text)
	out := Outcome{Detection: det}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !det.Detected {
		n.stack.Reset()
		n.hops = 0
		if det.Guard != "" {
			n.logger.Debug("menu candidate guarded", zap.String("guard", det.Guard))
		}
		return out
	}
	n.hops++

	var (
		ctx Context
		err error
	)
	if depth, ok := n.open(det.Options); ok {
		for n.stack.Len() > depth+1 {
			exited, _ := n.stack.Pop()
			n.logger.Debug("menu exited", zap.String("menu_id", exited.ID), zap.Int("depth", exited.Depth))
		}
		ctx, _ = n.stack.Top()
	} else {
		ctx, err = n.stack.Push(Context{
			ID:           menuID(det.Options, n.stack.Len()),
			Options:      det.Options,
			WorkflowType: n.workflow,
		})
	}
	if err == nil && n.hops > MaxHops {
		err = &NavigationEscalation{Attempted: ctx, Stack: n.stack.Items(), Hops: n.hops}
	}

	var nav *NavigationEscalation
	if errors.As(err, &nav) {
		out.Escalation = nav
		n.history.Add(Entry{Time: n.now(), MenuID: ctx.ID, Confidence: det.Score, Source: SourceEscalated})
		n.logger.Warn("menu navigation escalated",
			zap.String("menu_id", ctx.ID),
			zap.Int("depth", ctx.Depth),
			zap.Int("hops", n.hops))
		return out
	}
	out.Context = &ctx

	sel := n.selector.Select(det, hint)
	out.Selection = &sel
	if sel.Mode == ModeAuto {
		n.history.Add(Entry{
			Time:       n.now(),
			MenuID:     ctx.ID,
			Option:     sel.Option.Key,
			Label:      sel.Option.Label,
			Confidence: sel.Confidence,
			Source:     SourceAuto,
		})
		n.logger.Info("menu option auto-selected",
			zap.String("menu_id", ctx.ID),
			zap.String("option", sel.Option.Key),
			zap.Float64("confidence", sel.Confidence))
	}
	return out
}

// open returns the depth of the innermost open menu offering the same
// options. n.mu must be held.
func (n *Navigator) open(opts []Option) (int, bool) {
	items := n.stack.Items()
	for i := len(items) - 1; i >= 0; i-- {
		if slices.Equal(items[i].Options, opts) {
			return i, true
		}
	}
	return 0, false
}

// RecordManual records a selection made by a person. The hop count
// restarts from the person's choice.
func (n *Navigator) RecordManual(menuID string, opt Option, confidence float64) {
	n.mu.Lock()
	n.hops = 0
	n.mu.Unlock()
	n.history.Add(Entry{
		Time:       n.now(),
		MenuID:     menuID,
		Option:     opt.Key,
		Label:      opt.Label,
		Confidence: confidence,
		Source:     SourceManual,
	})
}

// Reset clears the navigation stack.
func (n *Navigator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stack.Reset()
	n.hops = 0
}

// Depth returns the current nesting depth.
func (n *Navigator) Depth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stack.Len()
}

// History returns recorded selections, oldest first.
func (n *Navigator) History() []Entry {
	return n.history.Entries()
}

func menuID(opts []Option, depth int) string {
	var b strings.Builder
	for _, o := range opts {
		b.WriteString(o.Key)
		b.WriteByte('=')
		b.WriteString(o.Label)
		b.WriteByte(';')
	}
	b.WriteByte(byte('0' + depth))
	sum := sha256.Sum256([]byte(b.String()))
	return "menu-" + hex.EncodeToString(sum[:4])
}
