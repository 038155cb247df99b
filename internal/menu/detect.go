// Package menu detects interactive option menus in agent output, scores
// how likely the text really is a menu, and selects or recommends an
// option.
//
// Detection runs a guard chain before scoring: candidates inside fenced
// code, block quotes, or right after an "Example:" label are never menus.
// The score is the sum of four capped components:
//
//	structural  <= 30  shape of the option markers plus a prompt cue
//	position    <= 20  how close the block is to the end of the text
//	count       <= 20  2-4 options is ideal
//	pattern     <= 30  sequential keys and well-known option labels
//
// A score of DetectThreshold or more is reported as a menu.
package menu

import (
	"regexp"
	"strconv"
	"strings"
)

// DetectThreshold is the minimum score reported as a menu.
const DetectThreshold = 70.0

// Shape is the marker style of a menu.
type Shape string

const (
	ShapeNone          Shape = ""
	ShapeBracketLetter Shape = "bracket_letter" // [A] Advanced [C] Continue
	ShapeNumbered      Shape = "numbered"       // 1. Foo / 2) Bar
	ShapeLetterParen   Shape = "letter_paren"   // a) Foo / b) Bar
	ShapeSlashChoice   Shape = "slash_choice"   // Proceed? [y/n]
)

// Option is a single menu entry.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Breakdown holds the individual score components.
type Breakdown struct {
	Structural float64 `json:"structural"`
	Position   float64 `json:"position"`
	Count      float64 `json:"count"`
	Pattern    float64 `json:"pattern"`
}

// Total sums the components.
func (b Breakdown) Total() float64 {
	return b.Structural + b.Position + b.Count + b.Pattern
}

// Guard reasons.
const (
	GuardCodeBlock    = "code_block"
	GuardBlockQuote   = "block_quote"
	GuardExampleLabel = "example_label"
)

// Detection is the result of scanning a text for a menu.
type Detection struct {
	Detected  bool      `json:"detected"`
	Score     float64   `json:"score"`
	Shape     Shape     `json:"shape,omitempty"`
	Options   []Option  `json:"options,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Breakdown Breakdown `json:"breakdown"`
	Guard     string    `json:"guard,omitempty"`
}

var (
	bracketRe   = regexp.MustCompile(`\[([A-Za-z0-9])\]`)
	numberedRe  = regexp.MustCompile(`^\s*(\d{1,2})[.)]\s+(\S.*)$`)
	letterRe    = regexp.MustCompile(`^\s*([a-zA-Z])\)\s+(\S.*)$`)
	slashRe     = regexp.MustCompile(`[\[(]\s*([A-Za-z]{1,8}(?:\s*/\s*[A-Za-z]{1,8})+)\s*[\])]\s*:?\s*$`)
	fenceRe     = regexp.MustCompile("^\\s*(```|~~~)")
	exampleRe   = regexp.MustCompile(`(?i)^\s*(?:#+\s*)?(?:example|examples|e\.g\.|for example|sample|sample output)\b[^\n]*:?\s*$`)
	promptCueRe = regexp.MustCompile(`(?i)(\?\s*$|\b(select|choose|pick|option|options|enter|continue|proceed)\b)`)
)

var knownLabels = map[string]bool{
	"continue": true, "advanced": true, "party": true, "yes": true, "no": true,
	"exit": true, "quit": true, "skip": true, "retry": true, "abort": true,
	"cancel": true, "approve": true, "reject": true, "edit": true, "help": true,
	"back": true, "review": true, "proceed": true, "accept": true, "decline": true,
	"save": true, "done": true, "y": true, "n": true,
}

type line struct {
	text    string
	index   int
	fenced  bool
	quoted  bool
	options []Option
	shape   Shape
}

type block struct {
	lines []line
	shape Shape
}

func (b block) options() []Option {
	var out []Option
	for _, l := range b.lines {
		out = append(out, l.options...)
	}
	return out
}

// Detector finds menus in text. It is stateless and safe for concurrent use.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector { return &Detector{} }

// Detect scans text and returns the scored detection for the last
// unguarded candidate block. When every candidate is guarded the guard
// reason of the last one is reported.
func (d *Detector) Detect(text string) Detection {
	lines := scan(text)
	blocks := group(lines)
	if len(blocks) == 0 {
		return Detection{}
	}

	var guard string
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if reason := guarded(b, lines); reason != "" {
			if guard == "" {
				guard = reason
			}
			continue
		}
		det := score(b, lines)
		det.Detected = det.Score >= DetectThreshold
		return det
	}
	return Detection{Guard: guard}
}

func scan(text string) []line {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]line, 0, len(raw))
	inFence := false
	for i, r := range raw {
		if fenceRe.MatchString(r) {
			inFence = !inFence
			out = append(out, line{text: r, index: i, fenced: true})
			continue
		}
		l := line{text: r, index: i, fenced: inFence}
		body := r
		if t := strings.TrimLeft(r, " \t"); strings.HasPrefix(t, ">") {
			l.quoted = true
			body = strings.TrimPrefix(t, ">")
		}
		l.options, l.shape = parseOptions(body)
		out = append(out, l)
	}
	return out
}

func parseOptions(s string) ([]Option, Shape) {
	trimmed := strings.TrimSpace(s)
	if locs := bracketRe.FindAllStringSubmatchIndex(trimmed, -1); len(locs) > 0 && locs[0][0] == 0 {
		opts := make([]Option, 0, len(locs))
		for i, loc := range locs {
			end := len(trimmed)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			opts = append(opts, Option{
				Key:   strings.ToUpper(trimmed[loc[2]:loc[3]]),
				Label: strings.TrimSpace(trimmed[loc[1]:end]),
			})
		}
		return opts, ShapeBracketLetter
	}
	if m := numberedRe.FindStringSubmatch(s); m != nil {
		return []Option{{Key: m[1], Label: strings.TrimSpace(m[2])}}, ShapeNumbered
	}
	if m := letterRe.FindStringSubmatch(s); m != nil {
		return []Option{{Key: strings.ToUpper(m[1]), Label: strings.TrimSpace(m[2])}}, ShapeLetterParen
	}
	if m := slashRe.FindStringSubmatch(s); m != nil {
		parts := strings.Split(m[1], "/")
		opts := make([]Option, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			opts = append(opts, Option{Key: strings.ToLower(p), Label: expandChoice(p)})
		}
		return opts, ShapeSlashChoice
	}
	return nil, ShapeNone
}

func expandChoice(s string) string {
	switch strings.ToLower(s) {
	case "y":
		return "Yes"
	case "n":
		return "No"
	}
	return s
}

// group collects runs of consecutive option lines of the same shape.
// Blank lines between options are tolerated.
func group(lines []line) []block {
	var blocks []block
	var cur *block
	for _, l := range lines {
		if strings.TrimSpace(l.text) == "" && cur != nil {
			continue
		}
		if l.shape == ShapeNone || (cur != nil && (cur.shape != l.shape || cur.shape == ShapeSlashChoice)) {
			if cur != nil {
				blocks = append(blocks, *cur)
				cur = nil
			}
			if l.shape == ShapeNone {
				continue
			}
		}
		if cur == nil {
			cur = &block{shape: l.shape}
		}
		cur.lines = append(cur.lines, l)
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks
}

func guarded(b block, lines []line) string {
	for _, l := range b.lines {
		if l.fenced {
			return GuardCodeBlock
		}
	}
	for _, l := range b.lines {
		if l.quoted {
			return GuardBlockQuote
		}
	}
	if prev, ok := previousNonEmpty(lines, b.lines[0].index); ok && exampleRe.MatchString(prev.text) {
		return GuardExampleLabel
	}
	return ""
}

func previousNonEmpty(lines []line, idx int) (line, bool) {
	for i := idx - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i].text) != "" {
			return lines[i], true
		}
	}
	return line{}, false
}

func score(b block, lines []line) Detection {
	opts := b.options()
	det := Detection{Shape: b.shape, Options: opts}

	switch b.shape {
	case ShapeBracketLetter:
		det.Breakdown.Structural = 25
	case ShapeSlashChoice:
		det.Breakdown.Structural = 20
	default:
		det.Breakdown.Structural = 15
	}
	if prompt := findPrompt(b, lines); prompt != "" {
		det.Prompt = prompt
		det.Breakdown.Structural += 5
	}

	// Non-empty lines after the block.
	last := b.lines[len(b.lines)-1].index
	trailing := 0
	for _, l := range lines[last+1:] {
		if strings.TrimSpace(l.text) != "" {
			trailing++
		}
	}
	switch {
	case trailing == 0:
		det.Breakdown.Position = 20
	case trailing <= 2:
		det.Breakdown.Position = 15
	case trailing <= 5:
		det.Breakdown.Position = 8
	}

	switch n := len(opts); {
	case n >= 2 && n <= 4:
		det.Breakdown.Count = 20
	case n == 5:
		det.Breakdown.Count = 15
	case n == 6:
		det.Breakdown.Count = 10
	case n >= 7:
		det.Breakdown.Count = 5
	}

	if sequentialKeys(opts) {
		det.Breakdown.Pattern = 10
	}
	known := 0
	for _, o := range opts {
		if knownLabels[firstWord(o.Label)] {
			known++
		}
	}
	if len(opts) > 0 {
		det.Breakdown.Pattern += 20 * float64(known) / float64(len(opts))
	}

	det.Score = det.Breakdown.Total()
	return det
}

func findPrompt(b block, lines []line) string {
	for _, l := range b.lines {
		if b.shape == ShapeSlashChoice && promptCueRe.MatchString(slashRe.ReplaceAllString(l.text, "")) {
			return strings.TrimSpace(l.text)
		}
	}
	if prev, ok := previousNonEmpty(lines, b.lines[0].index); ok && prev.shape == ShapeNone && promptCueRe.MatchString(prev.text) {
		return strings.TrimSpace(prev.text)
	}
	return ""
}

func sequentialKeys(opts []Option) bool {
	if len(opts) < 2 {
		return false
	}
	seen := make(map[string]bool, len(opts))
	for i, o := range opts {
		if seen[o.Key] {
			return false
		}
		seen[o.Key] = true
		if n, err := strconv.Atoi(o.Key); err == nil && n != i+1 {
			return false
		}
	}
	return true
}

func firstWord(s string) string {
	f := strings.Fields(strings.ToLower(s))
	if len(f) == 0 {
		return ""
	}
	return strings.Trim(f[0], ".,:;!?")
}
