// Package types holds the value objects and wire envelopes shared by
// every aegis component. Values validate at construction; envelopes
// marshal identically to JSON and MessagePack via snake_case tags.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/aegismesh/aegis/pkg/errdefs"
)

// ServiceName identifies a logical service (not an instance of it).
// Names are lowercase, start with a letter, and may contain digits,
// hyphens and underscores, but must not end with either.
type ServiceName string

var serviceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// NewServiceName validates s and returns it as a ServiceName.
func NewServiceName(s string) (ServiceName, error) {
	if !serviceNamePattern.MatchString(s) {
		return "", fmt.Errorf("service name %q must match %s: %w", s, serviceNamePattern, errdefs.ErrInvalid)
	}
	if strings.HasSuffix(s, "-") || strings.HasSuffix(s, "_") {
		return "", fmt.Errorf("service name %q must not end with '-' or '_': %w", s, errdefs.ErrInvalid)
	}
	return ServiceName(s), nil
}

func (n ServiceName) String() string { return string(n) }

// Validate re-checks an already constructed name, for use after decoding.
func (n ServiceName) Validate() error {
	_, err := NewServiceName(string(n))
	return err
}

// InstanceID uniquely identifies one running process of a service.
// Typically a UUID or a pod name; unique per process, stable for its
// lifetime.
type InstanceID string

const maxInstanceIDLen = 128

// NewInstanceID validates s and returns it as an InstanceID.
func NewInstanceID(s string) (InstanceID, error) {
	if s == "" {
		return "", fmt.Errorf("instance id must not be empty: %w", errdefs.ErrInvalid)
	}
	if len(s) > maxInstanceIDLen {
		return "", fmt.Errorf("instance id exceeds %d chars: %w", maxInstanceIDLen, errdefs.ErrInvalid)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("instance id %q contains whitespace or control characters: %w", s, errdefs.ErrInvalid)
		}
	}
	// Instance ids are embedded as single tokens in subjects and KV keys.
	if strings.ContainsAny(s, ".*>") {
		return "", fmt.Errorf("instance id %q must not contain '.', '*', or '>': %w", s, errdefs.ErrInvalid)
	}
	return InstanceID(s), nil
}

// NewRandomInstanceID returns a fresh UUIDv4-based instance id.
func NewRandomInstanceID() InstanceID {
	return InstanceID(uuid.NewString())
}

func (id InstanceID) String() string { return string(id) }

// Validate re-checks an already constructed id, for use after decoding.
func (id InstanceID) Validate() error {
	_, err := NewInstanceID(string(id))
	return err
}

// MethodName is a snake_case identifier naming an RPC method or a
// work-queue command.
type MethodName string

var methodNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// NewMethodName validates s and returns it as a MethodName.
func NewMethodName(s string) (MethodName, error) {
	if !methodNamePattern.MatchString(s) {
		return "", fmt.Errorf("method name %q must be snake_case (max 64 chars): %w", s, errdefs.ErrInvalid)
	}
	return MethodName(s), nil
}

func (m MethodName) String() string { return string(m) }

// EventType is a dot-separated lowercase event path such as
// "order.created". The first segment is the domain, the last the action.
type EventType string

var eventSegmentPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxEventTypeLen = 64

// NewEventType validates s and returns it as an EventType.
func NewEventType(s string) (EventType, error) {
	if s == "" || len(s) > maxEventTypeLen {
		return "", fmt.Errorf("event type must be 1-%d chars: %w", maxEventTypeLen, errdefs.ErrInvalid)
	}
	segments := strings.Split(s, ".")
	if len(segments) < 2 {
		return "", fmt.Errorf("event type %q needs at least <domain>.<action>: %w", s, errdefs.ErrInvalid)
	}
	for _, seg := range segments {
		if !eventSegmentPattern.MatchString(seg) {
			return "", fmt.Errorf("event type %q has invalid segment %q: %w", s, seg, errdefs.ErrInvalid)
		}
	}
	return EventType(s), nil
}

func (e EventType) String() string { return string(e) }

// Domain returns the first segment of the event path.
func (e EventType) Domain() string {
	if i := strings.IndexByte(string(e), '.'); i >= 0 {
		return string(e)[:i]
	}
	return string(e)
}

// Action returns the last segment of the event path.
func (e EventType) Action() string {
	if i := strings.LastIndexByte(string(e), '.'); i >= 0 {
		return string(e)[i+1:]
	}
	return string(e)
}

// Priority orders commands for consumers. It is carried as metadata on
// the wire and surfaced to handlers; the work queue itself never
// reorders deliveries by priority.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRanks = map[Priority]int{
	PriorityLow:      0,
	PriorityNormal:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// ParsePriority converts a string into a Priority.
func ParsePriority(s string) (Priority, error) {
	p := Priority(s)
	if _, ok := priorityRanks[p]; !ok {
		return "", fmt.Errorf("unknown priority %q: %w", s, errdefs.ErrInvalid)
	}
	return p, nil
}

// Rank returns the total order position: low < normal < high < critical.
func (p Priority) Rank() int { return priorityRanks[p] }

// Less reports whether p sorts before o.
func (p Priority) Less(o Priority) bool { return p.Rank() < o.Rank() }

func (p Priority) Valid() bool { _, ok := priorityRanks[p]; return ok }

// ServiceStatus represents the coarse lifecycle state of an instance.
type ServiceStatus string

const (
	StatusActive    ServiceStatus = "active"
	StatusStandby   ServiceStatus = "standby"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusShutdown  ServiceStatus = "shutdown"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ServiceStatus) IsTerminal() bool { return s == StatusShutdown }

func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusActive, StatusStandby, StatusUnhealthy, StatusShutdown:
		return true
	}
	return false
}

// StickyActiveStatus is the single-active role of an instance within its
// election group. Only populated for single-active services.
type StickyActiveStatus string

const (
	StickyActive  StickyActiveStatus = "active"
	StickyStandby StickyActiveStatus = "standby"
)

// StickyStatusPtr is a convenience for populating the optional field.
func StickyStatusPtr(s StickyActiveStatus) *StickyActiveStatus { return &s }

// ServiceInstance is one registry entry: a single running process of a
// service. (ServiceName, InstanceID) is the primary key.
type ServiceInstance struct {
	ServiceName        ServiceName         `json:"service_name" msgpack:"service_name"`
	InstanceID         InstanceID          `json:"instance_id" msgpack:"instance_id"`
	Version            string              `json:"version" msgpack:"version"`
	Status             ServiceStatus       `json:"status" msgpack:"status"`
	StickyActiveStatus *StickyActiveStatus `json:"sticky_active_status,omitempty" msgpack:"sticky_active_status,omitempty"`
	StickyActiveGroup  string              `json:"sticky_active_group,omitempty" msgpack:"sticky_active_group,omitempty"`
	RegisteredAt       time.Time           `json:"registered_at" msgpack:"registered_at"`
	LastHeartbeat      time.Time           `json:"last_heartbeat" msgpack:"last_heartbeat"`
	Metadata           map[string]any      `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Validate checks the invariants of a registry entry.
func (si *ServiceInstance) Validate() error {
	if err := si.ServiceName.Validate(); err != nil {
		return err
	}
	if err := si.InstanceID.Validate(); err != nil {
		return err
	}
	if !si.Status.Valid() {
		return fmt.Errorf("invalid status %q: %w", si.Status, errdefs.ErrInvalid)
	}
	if si.StickyActiveStatus != nil && si.StickyActiveGroup == "" {
		return fmt.Errorf("sticky_active_status set without sticky_active_group: %w", errdefs.ErrInvalid)
	}
	return nil
}

// IsHealthy reports whether the instance counts as live: status is
// active or standby and the last heartbeat is within timeout of now.
func (si *ServiceInstance) IsHealthy(now time.Time, heartbeatTimeout time.Duration) bool {
	if si.Status != StatusActive && si.Status != StatusStandby {
		return false
	}
	return now.Sub(si.LastHeartbeat) < heartbeatTimeout
}

// IsStickyActive reports whether the instance currently holds the
// single-active role in its group.
func (si *ServiceInstance) IsStickyActive() bool {
	return si.StickyActiveStatus != nil && *si.StickyActiveStatus == StickyActive
}

// Clone returns a deep-enough copy for concurrent mutation (metadata map
// is copied one level deep).
func (si *ServiceInstance) Clone() *ServiceInstance {
	out := *si
	if si.StickyActiveStatus != nil {
		s := *si.StickyActiveStatus
		out.StickyActiveStatus = &s
	}
	if si.Metadata != nil {
		out.Metadata = make(map[string]any, len(si.Metadata))
		for k, v := range si.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// LeaderInfo is the value stored under a group's leader key. Only the
// instance named by InstanceID may extend or delete the key.
type LeaderInfo struct {
	InstanceID InstanceID     `json:"instance_id" msgpack:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	AcquiredAt time.Time      `json:"acquired_at" msgpack:"acquired_at"`
}
