package executor

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/fyrsmithlabs/autopilot/internal/workflow"
)

// Report is the optional machine-readable summary a command prints as the
// last non-empty line of its output, for example:
//
//	{"verdict":"CONCERNS","blocking_errors":0,"major_issues":2,"compliance_score":91,"issues":["lint: unused var"]}
type Report struct {
	Verdict       workflow.Verdict
	Metrics       workflow.QualityMetrics
	HasMetrics    bool
	Issues        []string
	Errors        []string
	Artifacts     []string
	Evidence      workflow.Evidence
	MissingConfig string
	Transient     bool
}

// ParseReport splits output into the human-readable text and the trailing
// JSON report. ok is false when the last line is not a JSON object.
func ParseReport(output string) (text string, rep Report, ok bool) {
	trimmed := strings.TrimRight(output, " \t\r\n")
	idx := strings.LastIndexByte(trimmed, '\n')
	last := strings.TrimSpace(trimmed[idx+1:])
	if !strings.HasPrefix(last, "{") || !gjson.Valid(last) {
		return output, Report{}, false
	}

	doc := gjson.Parse(last)
	if !doc.IsObject() {
		return output, Report{}, false
	}

	rep.Verdict = workflow.Verdict(strings.ToUpper(doc.Get("verdict").String()))
	switch rep.Verdict {
	case workflow.VerdictPass, workflow.VerdictConcerns, workflow.VerdictFail:
	default:
		rep.Verdict = workflow.VerdictNone
	}

	be, mi, cs := doc.Get("blocking_errors"), doc.Get("major_issues"), doc.Get("compliance_score")
	rep.HasMetrics = be.Exists() || mi.Exists() || cs.Exists()
	if rep.HasMetrics {
		rep.Metrics = workflow.PerfectQuality
		if be.Exists() {
			rep.Metrics.BlockingErrors = int(be.Int())
		}
		if mi.Exists() {
			rep.Metrics.MajorIssues = int(mi.Int())
		}
		if cs.Exists() {
			rep.Metrics.ComplianceScore = cs.Float()
		}
	}

	rep.Issues = stringList(doc.Get("issues"))
	rep.Errors = stringList(doc.Get("errors"))
	rep.Artifacts = stringList(doc.Get("artifacts"))
	rep.Evidence = workflow.Evidence{
		MemoryMatch:       floatPtr(doc.Get("evidence.memory_match")),
		ReviewerAgreement: floatPtr(doc.Get("evidence.reviewer_agreement")),
		Collaborative:     floatPtr(doc.Get("evidence.collaborative")),
		ResourceTier:      floatPtr(doc.Get("evidence.resource_tier")),
	}
	rep.MissingConfig = doc.Get("missing_config").String()
	rep.Transient = doc.Get("transient").Bool()

	if idx < 0 {
		return "", rep, true
	}
	return trimmed[:idx], rep, true
}

func stringList(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, v := range r.Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func floatPtr(r gjson.Result) *float64 {
	if r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}
