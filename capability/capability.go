// Package capability is the generic permission hook consulted before a call
// leaves the process. Deployments choose how capabilities are granted: a
// static set, or claims carried by a signed token.
package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPermissionDenied is returned when the caller lacks a capability.
var ErrPermissionDenied = errors.New("capability: permission denied")

// Checker answers whether the caller in ctx holds a named capability.
type Checker interface {
	HasCapability(ctx context.Context, name string) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, name string) bool

func (f CheckerFunc) HasCapability(ctx context.Context, name string) bool { return f(ctx, name) }

// AllowAll grants every capability.
type AllowAll struct{}

func (AllowAll) HasCapability(context.Context, string) bool { return true }

// Require returns nil when c grants name. A nil checker grants everything.
func Require(ctx context.Context, c Checker, name string) error {
	if c == nil || c.HasCapability(ctx, name) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, name)
}

// StaticSet grants a fixed list of patterns. A pattern is an exact name, "*",
// or a prefix ending in ".*" such as "rpc.*".
type StaticSet struct {
	exact    map[string]struct{}
	prefixes []string
	all      bool
}

var _ Checker = (*StaticSet)(nil)

// NewStaticSet compiles patterns.
func NewStaticSet(patterns ...string) *StaticSet {
	s := &StaticSet{exact: make(map[string]struct{})}
	for _, p := range patterns {
		switch {
		case p == "":
		case p == "*":
			s.all = true
		case strings.HasSuffix(p, ".*"):
			s.prefixes = append(s.prefixes, strings.TrimSuffix(p, "*"))
		default:
			s.exact[p] = struct{}{}
		}
	}
	return s
}

func (s *StaticSet) HasCapability(_ context.Context, name string) bool {
	if s.all {
		return true
	}
	if _, ok := s.exact[name]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ForRequest names the capability needed to invoke method on a peer.
func ForRequest(method string) string { return "rpc." + method }

// ForKind names the capability needed to send a non-request message kind.
func ForKind(kind string) string { return "msg." + strings.ToLower(kind) }
