package mailbox

import (
	"fmt"
	"strconv"
	"strings"
)

// Namespace identifies which of §3's four addressing rules a target
// string falls under.
type Namespace int

const (
	NamespacePID Namespace = iota
	NamespaceSvc
	NamespaceApp
	NamespaceShared
)

// resolvedTarget is a parsed, canonical mailbox name.
type resolvedTarget struct {
	ns      Namespace
	name    string // app/shared name, or the stdio stream for NamespaceSvc
	pid     uint32 // resolved owning PID for NamespacePID and cross-task NamespaceSvc
	svcSelf bool   // true when an svc:stdio.* target had no explicit "@<pid>"
}

// resolveTarget applies §4.3's open() resolution rules. callerPID is
// used for an empty target and for un-suffixed svc:stdio.* targets.
func resolveTarget(target string, callerPID uint32) (resolvedTarget, error) {
	if target == "" {
		return resolvedTarget{ns: NamespacePID, pid: callerPID}, nil
	}

	switch {
	case strings.HasPrefix(target, "pid:"):
		n, err := strconv.ParseUint(strings.TrimPrefix(target, "pid:"), 10, 32)
		if err != nil {
			return resolvedTarget{}, fmt.Errorf("mailbox: bad pid target %q: %w", target, err)
		}
		return resolvedTarget{ns: NamespacePID, pid: uint32(n)}, nil

	case strings.HasPrefix(target, "svc:stdio."):
		rest := strings.TrimPrefix(target, "svc:stdio.")
		stream, suffix, hasSuffix := strings.Cut(rest, "@")
		if stream != "in" && stream != "out" && stream != "err" {
			return resolvedTarget{}, fmt.Errorf("mailbox: bad stdio stream %q", stream)
		}
		if !hasSuffix {
			return resolvedTarget{ns: NamespaceSvc, name: stream, pid: callerPID, svcSelf: true}, nil
		}
		n, err := strconv.ParseUint(suffix, 10, 32)
		if err != nil {
			return resolvedTarget{}, fmt.Errorf("mailbox: bad stdio target pid %q: %w", suffix, err)
		}
		return resolvedTarget{ns: NamespaceSvc, name: stream, pid: uint32(n)}, nil

	case strings.HasPrefix(target, "app:"):
		return resolvedTarget{ns: NamespaceApp, name: strings.TrimPrefix(target, "app:")}, nil

	case strings.HasPrefix(target, "shared:"):
		return resolvedTarget{ns: NamespaceShared, name: strings.TrimPrefix(target, "shared:")}, nil

	default:
		return resolvedTarget{}, fmt.Errorf("mailbox: unrecognised target %q", target)
	}
}

// key is the canonical descriptor-table lookup key for a resolved
// target: two opens of the same logical channel must land on the same
// descriptor.
func (r resolvedTarget) key() string {
	switch r.ns {
	case NamespacePID:
		return fmt.Sprintf("pid:%d", r.pid)
	case NamespaceSvc:
		return fmt.Sprintf("svc:stdio.%s@%d", r.name, r.pid)
	case NamespaceApp:
		return "app:" + r.name
	case NamespaceShared:
		return "shared:" + r.name
	default:
		return ""
	}
}
