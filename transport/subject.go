package transport

import (
	"fmt"
	"strings"

	"github.com/aperritano/Nutella/errors"
)

// ToSubject converts a slash topic into a dot separated subject:
// "/nutella/apps/a/runs/r/x" becomes "nutella.apps.a.runs.r.x", a trailing
// "#" becomes ">" and a "+" segment becomes "*". Segments that are empty or
// contain dots or whitespace cannot be represented and are rejected.
func ToSubject(topic string) (string, error) {
	trimmed := strings.TrimPrefix(topic, "/")
	if trimmed == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidTopic, "transport", "ToSubject", "map empty topic")
	}
	segments := strings.Split(trimmed, "/")
	for i, seg := range segments {
		switch {
		case seg == MultiLevel && i == len(segments)-1:
			segments[i] = ">"
		case seg == "+":
			segments[i] = "*"
		case seg == "" || strings.ContainsAny(seg, ". \t\r\n*>#"):
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: segment %q", errors.ErrInvalidTopic, seg),
				"transport", "ToSubject", "map topic "+topic)
		}
	}
	return strings.Join(segments, "."), nil
}

// FromSubject is the inverse of ToSubject.
func FromSubject(subject string) string {
	segments := strings.Split(subject, ".")
	for i, seg := range segments {
		switch seg {
		case ">":
			segments[i] = MultiLevel
		case "*":
			segments[i] = "+"
		}
	}
	return "/" + strings.Join(segments, "/")
}
