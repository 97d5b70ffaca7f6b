// Package health provides health statuses for subsystem components and an
// aggregating monitor for the process health endpoint.
package health

import (
	"regexp"
	"time"
)

// Pre-compiled regexes for error message sanitization. Health output may
// be scraped by external monitors, so broker URLs and credentials are
// stripped before leaving the process.
var (
	natsURLRegex    = regexp.MustCompile(`(nats|tls|wss?)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d{2,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status levels.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health state of a component.
type Status struct {
	Component   string    `json:"component"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// Healthy builds a healthy status for a component.
func Healthy(component, message string) Status {
	return Status{Component: component, Status: StateHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded builds a degraded status for a component.
func Degraded(component, message string) Status {
	return Status{Component: component, Status: StateDegraded, Message: Sanitize(message), Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy status for a component.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Status: StateUnhealthy, Message: Sanitize(message), Timestamp: time.Now()}
}

// IsHealthy returns true if the status is healthy.
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// WithSubStatus adds a sub-status and returns a copy.
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// Sanitize strips broker URLs, addresses, and credential-looking fragments
// from a message.
func Sanitize(msg string) string {
	msg = natsURLRegex.ReplaceAllString(msg, "<broker>")
	msg = ipAddrRegex.ReplaceAllString(msg, "<addr>")
	msg = credentialRegex.ReplaceAllString(msg, "$1=<redacted>")
	return msg
}
