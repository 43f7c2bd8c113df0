package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is a single config validation problem in a loggable form.
type CueErrorDetail struct {
	Path    string // scheduler.max_running
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch | validation_error
	Message string
	Line    int
	Column  int
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.Group(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.Int("line", c.Line),
		slog.Int("column", c.Column),
	)
}

func (c CueErrorDetail) String() string {
	return fmt.Sprintf("%d:%d: %s: %s", c.Line, c.Column, c.Code, c.Message)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|invalid value`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|mismatched types`)
)

// CueErrDetails splits a LoadConfig error into one detail per position.
// Errors not coming from cue produce no details.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	type pos struct{ line, col int }
	seen := make(map[pos]struct{})
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := strings.Join(trimDefinition(e.Path()), ".")

		var p pos
		for _, r := range cueerrors.Positions(e) {
			if r.Filename() == "" {
				continue
			}
			p = pos{line: r.Line(), col: r.Column()}
			break
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}

		code, msg := classify(raw, path)
		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Line:    p.line,
			Column:  p.col,
		})
	}
	return out
}

func trimDefinition(p []string) []string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		return p[1:]
	}
	return p
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", path)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", path)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has wrong type: %s", path, raw)
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("field %s has invalid value: %s", path, raw)
	default:
		return "validation_error", raw
	}
}
