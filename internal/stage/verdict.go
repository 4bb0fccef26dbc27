package stage

import (
	"encoding/json"
	"strings"

	"github.com/screenerlabs/research-pipeline/internal/run"
)

// unparseableIssue is the synthetic issue attached when a QA judgment
// cannot be parsed. Parsing fails safe: garbage is a rejection, never a
// pass.
const unparseableIssue = "QA response unparseable"

// ParseVerdict interprets a raw QA judgment for an attempt. The expected
// shape is {"pass": bool, "issues": [...]}; issues may be strings or
// objects with a "description". The judgment may also arrive as a JSON
// string wrapping fenced JSON, which is unwrapped before parsing. Anything
// that does not yield an explicit pass flag becomes a failing verdict with
// a synthetic issue.
func ParseVerdict(stage string, iteration int, raw json.RawMessage) *run.Verdict {
	v := &run.Verdict{Stage: stage, Iteration: iteration, Raw: string(raw)}

	body := unwrap(raw)
	var parsed struct {
		Pass   *bool           `json:"pass"`
		Issues json.RawMessage `json:"issues"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Pass == nil {
		v.Pass = false
		v.Issues = []string{unparseableIssue}
		return v
	}

	issues, ok := parseIssues(parsed.Issues)
	if !ok {
		v.Pass = false
		v.Issues = []string{unparseableIssue}
		return v
	}

	v.Pass = *parsed.Pass
	v.Issues = issues
	// A pass with open issues is contradictory; take the strict reading.
	if v.Pass && len(v.Issues) > 0 {
		v.Pass = false
	}
	return v
}

// unwrap peels a JSON-string envelope and markdown code fences off a
// judgment, returning the innermost JSON body.
func unwrap(raw json.RawMessage) []byte {
	text := strings.TrimSpace(string(raw))
	var inner string
	if err := json.Unmarshal([]byte(text), &inner); err == nil {
		text = strings.TrimSpace(inner)
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	return []byte(text)
}

// parseIssues accepts issue lists as plain strings or as objects carrying a
// description field. A missing list is an empty list; any other shape fails.
func parseIssues(raw json.RawMessage) ([]string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return asStrings, true
	}
	var asObjects []struct {
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &asObjects); err != nil {
		return nil, false
	}
	issues := make([]string, 0, len(asObjects))
	for _, o := range asObjects {
		if o.Description == "" {
			return nil, false
		}
		issues = append(issues, o.Description)
	}
	return issues, true
}
