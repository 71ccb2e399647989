package broker

import (
	"fmt"
	"strings"

	"github.com/aegismesh/aegis/pkg/types"
)

// Subject prefixes for the three message planes plus the framework's own
// lifecycle events.
const (
	RPCPrefix       = "rpc"
	EventPrefix     = "events"
	CommandPrefix   = "commands"
	LifecyclePrefix = "aegis.service"

	// CommandStreamName is the work queue backing the command plane.
	CommandStreamName = "commands"
)

// RPCSubject returns rpc.<service>.<method>.
func RPCSubject(service types.ServiceName, method types.MethodName) string {
	return fmt.Sprintf("%s.%s.%s", RPCPrefix, service, method)
}

// RPCPattern returns the wildcard subject covering every method of service.
func RPCPattern(service types.ServiceName) string {
	return fmt.Sprintf("%s.%s.*", RPCPrefix, service)
}

// EventSubject returns events.<domain>.<type...> for a concrete event type.
func EventSubject(t types.EventType) string {
	return EventPrefix + "." + string(t)
}

// EventPattern returns the subscription subject for an event pattern. The
// pattern may carry * and > wildcards; the events. prefix is added unless
// already present.
func EventPattern(pattern string) string {
	if pattern == "" {
		return EventPrefix + ".>"
	}
	if pattern == EventPrefix || strings.HasPrefix(pattern, EventPrefix+".") {
		return pattern
	}
	return EventPrefix + "." + pattern
}

// CommandSubject returns commands.<service>.<command>.
func CommandSubject(service types.ServiceName, command string) string {
	return fmt.Sprintf("%s.%s.%s", CommandPrefix, service, command)
}

// ProgressSubject returns commands.progress.<id> for command progress
// updates.
func ProgressSubject(id string) string {
	return fmt.Sprintf("%s.progress.%s", CommandPrefix, id)
}

// ResultSubject returns commands.result.<id> for the final command result.
func ResultSubject(id string) string {
	return fmt.Sprintf("%s.result.%s", CommandPrefix, id)
}

// DLQSubject returns commands.dlq.<service>, the dead-letter subject for
// commands that exhausted their delivery attempts.
func DLQSubject(service types.ServiceName) string {
	return fmt.Sprintf("%s.dlq.%s", CommandPrefix, service)
}

// LifecycleSubject returns the event-plane subject for a runtime lifecycle
// action such as started or elected.
func LifecycleSubject(action string) string {
	return EventPrefix + "." + LifecyclePrefix + "." + action
}

// ValidSubject reports whether s is a publishable subject: dot-separated,
// non-empty tokens, no whitespace, no wildcards.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || tok == "*" || tok == ">" {
			return false
		}
		if strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
	}
	return true
}

// ValidPattern reports whether s is a valid subscription pattern. Wildcards
// are allowed: * matches exactly one token, > matches one or more trailing
// tokens and must be last.
func ValidPattern(s string) bool {
	if s == "" {
		return false
	}
	toks := strings.Split(s, ".")
	for i, tok := range toks {
		if tok == "" || strings.ContainsAny(tok, " \t\r\n") {
			return false
		}
		if tok == ">" && i != len(toks)-1 {
			return false
		}
	}
	return true
}

// MatchSubject reports whether subject matches pattern. The * wildcard
// matches exactly one token, > matches one or more trailing tokens.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
