package schema

import (
	"fmt"
	"strings"
)

// Issue is a single problem found while checking a definition or request,
// located by a dotted path such as "steps[2].name".
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Report collects issues. The zero value is ready to use.
type Report struct {
	Issues []Issue `json:"issues,omitempty"`
}

// Errorf records an error-level issue.
func (r *Report) Errorf(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Warnf records a warning that does not fail validation.
func (r *Report) Warnf(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...), Warning: true})
}

// Merge appends other's issues, prefixing their paths.
func (r *Report) Merge(prefix string, other *Report) {
	if other == nil {
		return
	}
	for _, is := range other.Issues {
		if prefix != "" {
			if is.Path == "" {
				is.Path = prefix
			} else {
				is.Path = prefix + "." + is.Path
			}
		}
		r.Issues = append(r.Issues, is)
	}
}

// Errors returns only the error-level issues.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if !is.Warning {
			out = append(out, is)
		}
	}
	return out
}

// Err converts the report to a VALIDATION_ERROR, or nil when no error-level
// issue was recorded.
func (r *Report) Err() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, is := range errs {
		msgs[i] = is.String()
	}
	return NewError(ErrCodeValidation, strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"issues": r.Issues})
}
