package topic

import (
	"strings"

	"github.com/aperritano/Nutella/errors"
)

// DefaultRoot is the first namespace segment used by Nutella deployments.
const DefaultRoot = "nutella"

// Wildcard is the multi-level wildcard accepted as the last channel segment.
const Wildcard = "#"

// Resolver converts between logical channels and physical topics for one
// application run. It is immutable and safe for concurrent use.
type Resolver struct {
	root   string
	appID  string
	runID  string
	prefix string
}

// NewResolver creates a resolver. An empty root falls back to DefaultRoot.
// Empty application or run ids are accepted here and reported by ToPhysical,
// so a half-configured engine fails on first use rather than at construction.
func NewResolver(root, appID, runID string) *Resolver {
	if root == "" {
		root = DefaultRoot
	}
	r := &Resolver{root: root, appID: appID, runID: runID}
	if appID != "" && runID != "" {
		r.prefix = "/" + root + "/apps/" + appID + "/runs/" + runID + "/"
	}
	return r
}

// AppID returns the application id of the namespace.
func (r *Resolver) AppID() string { return r.appID }

// RunID returns the run id of the namespace.
func (r *Resolver) RunID() string { return r.runID }

// Root returns the first namespace segment.
func (r *Resolver) Root() string { return r.root }

// Prefix returns the namespace prefix including the trailing slash.
func (r *Resolver) Prefix() (string, error) {
	if r.prefix == "" {
		return "", errors.WrapFatal(errors.ErrNamespaceIncomplete, "Resolver", "Prefix", "build namespace")
	}
	return r.prefix, nil
}

// ToPhysical returns the physical topic for channel.
func (r *Resolver) ToPhysical(channel string) (string, error) {
	prefix, err := r.Prefix()
	if err != nil {
		return "", err
	}
	if err := ValidateChannel(channel); err != nil {
		return "", err
	}
	return prefix + channel, nil
}

// ToLogical strips the namespace from a physical topic. It reports false for
// topics outside the namespace or with an empty channel part.
func (r *Resolver) ToLogical(topic string) (string, bool) {
	if r.prefix == "" || !strings.HasPrefix(topic, r.prefix) {
		return "", false
	}
	channel := topic[len(r.prefix):]
	if channel == "" {
		return "", false
	}
	return channel, true
}

// ResolveKey returns the logical channel under which interest for an inbound
// topic is tracked. When wildcard is non-empty it is the physical wildcard
// subscription the topic matched, and its logical form is used instead of the
// topic's own.
func (r *Resolver) ResolveKey(topic, wildcard string) (string, bool) {
	if wildcard != "" {
		return r.ToLogical(wildcard)
	}
	return r.ToLogical(topic)
}

// IsWildcard reports whether channel subscribes to a whole subtree.
func IsWildcard(channel string) bool {
	return channel == Wildcard || strings.HasSuffix(channel, "/"+Wildcard)
}

// ValidateChannel rejects empty channels and wildcards that are not the last
// segment.
func ValidateChannel(channel string) error {
	if channel == "" {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "Resolver", "ValidateChannel", "empty channel")
	}
	if i := strings.Index(channel, Wildcard); i >= 0 && !IsWildcard(channel) {
		return errors.WrapInvalid(errors.ErrInvalidTopic, "Resolver", "ValidateChannel",
			"wildcard position in channel "+channel)
	}
	return nil
}
