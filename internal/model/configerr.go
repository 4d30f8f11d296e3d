package model

import (
	"fmt"
	"log/slog"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// IssueCode names the kind of a configuration problem.
type IssueCode string

const (
	IssueUnknownField IssueCode = "unknown_field"
	IssueMissing      IssueCode = "missing_required"
	IssueConflict     IssueCode = "conflicting_values"
	IssueEnum         IssueCode = "invalid_enum"
	IssueType         IssueCode = "type_mismatch"
	IssueOther        IssueCode = "validation_error"
)

// ConfigIssue is one problem of a configuration file, anchored at the
// position where it was written.
type ConfigIssue struct {
	Path    string // e.g. mirror.kafka.brokers
	Code    IssueCode
	Message string
	File    string
	Line    int
	Column  int
}

func (c ConfigIssue) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", string(c.Code)),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.File),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

// issueRules map cue messages to codes, first match wins.
var issueRules = []struct {
	code    IssueCode
	needles []string
	format  string
}{
	{IssueUnknownField, []string{"not allowed", "unknown field"}, "field %s is not allowed"},
	{IssueMissing, []string{"incomplete value"}, "field %s is required"},
	{IssueConflict, []string{"conflicting values", "cannot unify", "incompatible"}, "conflicting values for %s"},
	{IssueEnum, []string{"must be one of", "expected one of"}, "field %s has an invalid value"},
	{IssueType, []string{"expected "}, "field %s has a wrong type"},
}

// ConfigIssues turns a LoadConfig error into one issue per offending
// position of the config file. Errors without a position, such as a
// missing required field, are reported once per path.
func ConfigIssues(err error) []ConfigIssue {
	if err == nil {
		return nil
	}
	type key struct {
		file      string
		line, col int
		path      string
	}
	seen := make(map[key]struct{})
	var out []ConfigIssue
	for _, e := range cueerrors.Errors(err) {
		issue := newIssue(e)
		k := key{file: issue.File, line: issue.Line, col: issue.Column}
		if issue.File == "" {
			k.path = issue.Path
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, issue)
	}
	return out
}

func newIssue(e cueerrors.Error) ConfigIssue {
	var issue ConfigIssue
	for _, r := range cueerrors.Positions(e) {
		if r.Filename() != "" {
			issue.File, issue.Line, issue.Column = r.Filename(), r.Line(), r.Column()
			break
		}
	}

	path := e.Path()
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	issue.Path = strings.Join(path, ".")
	field := issue.Path
	if len(path) > 0 {
		field = path[len(path)-1]
	}
	if field == "" {
		field = "config"
	}

	format, args := e.Msg()
	raw := strings.ToLower(fmt.Sprintf(format, args...))
	issue.Code, issue.Message = IssueOther, raw
	for _, r := range issueRules {
		if containsAny(raw, r.needles) {
			issue.Code, issue.Message = r.code, fmt.Sprintf(r.format, field)
			break
		}
	}

	if issue.Path != "" && (issue.Code == IssueEnum || issue.Code == IssueConflict) {
		if hint := choices(schema.LookupPath(cue.ParsePath(issue.Path))); hint != "" {
			issue.Message += ": " + hint
		}
	}
	return issue
}

// choices lists the string alternatives of a disjunction together with
// its default, or returns "" for anything else.
func choices(v cue.Value) string {
	op, args := v.Expr()
	if op != cue.OrOp {
		return ""
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !contains(values, s) {
			values = append(values, s)
		}
	}
	if len(values) < 2 {
		return ""
	}
	hint := "possible values (" + strings.Join(values, ",") + ")"
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			hint += " (default " + s + ")"
		}
	}
	return hint
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
