// Package health provides health snapshots for the engine and the processes
// that embed it.
package health

import (
	"regexp"
	"time"
)

// Status values.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|mqtt|tcp|ssl|wss?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains the numbers a status was derived from.
type Metrics struct {
	Uptime          time.Duration `json:"uptime"`
	ErrorCount      int           `json:"error_count"`
	Delivered       int64         `json:"delivered,omitempty"`
	Subscriptions   int           `json:"subscriptions"`
	PendingRequests int           `json:"pending_requests"`
	LastActivity    time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Report is the raw connection state an engine hands to FromReport.
type Report struct {
	Connected       bool
	Recovering      bool
	LastError       string
	ErrorCount      int
	Delivered       int64
	Subscriptions   int
	PendingRequests int
	StartedAt       time.Time
	LastActivity    time.Time
}

// FromReport derives a status: unhealthy while disconnected, degraded while
// connected but still replaying subscriptions, healthy otherwise. Error text
// is sanitized before it is exposed.
func FromReport(name string, r Report) Status {
	var s Status
	switch {
	case !r.Connected:
		msg := "transport disconnected"
		if r.LastError != "" {
			msg += ": " + sanitizeErrorMessage(r.LastError)
		}
		s = NewUnhealthy(name, msg)
	case r.Recovering:
		s = NewDegraded(name, "restoring subscriptions")
	default:
		s = NewHealthy(name, "connected")
	}

	var uptime time.Duration
	if !r.StartedAt.IsZero() {
		uptime = time.Since(r.StartedAt)
	}
	return s.WithMetrics(&Metrics{
		Uptime:          uptime,
		ErrorCount:      r.ErrorCount,
		Delivered:       r.Delivered,
		Subscriptions:   r.Subscriptions,
		PendingRequests: r.PendingRequests,
		LastActivity:    r.LastActivity,
	})
}

// Aggregate combines sub-statuses: any unhealthy makes the result unhealthy,
// otherwise any degraded makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy, hasDegraded := false, false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}

// sanitizeErrorMessage strips broker URLs, addresses and credentials.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}
	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	return credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
}
