// Package channel defines the wire-level channel naming protocol shared by
// emitters and subscribers. A channel name is "<prefix>_<entity-id>" where the
// prefix comes from a closed set and the entity id is opaque.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix identifies the entity kind a channel is scoped to.
type Prefix string

const (
	PrefixSandbox Prefix = "sandbox"
	PrefixTest    Prefix = "test"
	PrefixTask    Prefix = "task"
	PrefixMonitor Prefix = "connection-monitor"
)

// prefixes is the closed, versioned set of recognized prefixes. Entries must
// never be substrings of one another up to the separator, so that
// prefix-length extraction stays unambiguous.
var prefixes = []Prefix{
	PrefixSandbox,
	PrefixTest,
	PrefixTask,
	PrefixMonitor,
}

var ErrUnknownPrefix = errors.New("unknown channel prefix")

// Name composes a channel name from a prefix and an entity id.
func Name(prefix Prefix, entityID string) string {
	return string(prefix) + "_" + entityID
}

// Sandbox returns the channel name for a sandbox's event stream.
func Sandbox(sandboxID string) string { return Name(PrefixSandbox, sandboxID) }

// Test returns the channel name for a test session's event stream.
func Test(sessionID string) string { return Name(PrefixTest, sessionID) }

// Task returns the channel name for a task's event stream.
func Task(taskID string) string { return Name(PrefixTask, taskID) }

// Monitor returns the per-identity connection diagnostics channel.
func Monitor(identity string) string { return Name(PrefixMonitor, identity) }

// Parse splits a channel name into its prefix and entity id. Extraction is
// prefix-length based, not regex based. Unknown prefixes, a missing
// separator, or an empty entity id all return ErrUnknownPrefix.
func Parse(name string) (Prefix, string, error) {
	for _, p := range prefixes {
		head := string(p) + "_"
		if !strings.HasPrefix(name, head) {
			continue
		}
		id := name[len(head):]
		if id == "" {
			return "", "", fmt.Errorf("%w: empty entity id in %q", ErrUnknownPrefix, name)
		}
		return p, id, nil
	}
	return "", "", fmt.Errorf("%w: %q", ErrUnknownPrefix, name)
}

// Valid reports whether name parses under the closed prefix set.
func Valid(name string) bool {
	_, _, err := Parse(name)
	return err == nil
}
