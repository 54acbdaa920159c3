package portlink

import (
	"context"
	"errors"

	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/ratelimit"
	"github.com/ggoodman/portlink-go/reconnect"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/rpc"
	"github.com/ggoodman/portlink-go/session"
	"github.com/ggoodman/portlink-go/statesync"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/transport"
)

// Class is the handling category of an error.
type Class int

const (
	// Unclassified errors are not produced by the layer.
	Unclassified Class = iota
	// Transient errors are safe to retry with backoff.
	Transient
	// Structural errors are never retried as-is.
	Structural
	// Resource errors degrade to in-memory operation and raise an alert.
	Resource
	// Fatal errors only occur during shutdown and force the emergency path.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Structural:
		return "structural"
	case Resource:
		return "resource"
	case Fatal:
		return "fatal"
	default:
		return "unclassified"
	}
}

var (
	transientErrs = []error{
		rpc.ErrTimeout,
		rpc.ErrSessionLost,
		ratelimit.ErrRateLimitExceeded,
		session.ErrConnectionTimeout,
		session.ErrSessionNotFound,
		transport.ErrTransportUnavailable,
		transport.ErrSendFailed,
		transport.ErrClosed,
		reconnect.ErrInCooldown,
		statesync.ErrAckMismatch,
		context.DeadlineExceeded,
	}
	structuralErrs = []error{
		envelope.ErrUnknownType,
		envelope.ErrMalformed,
		rpc.ErrNotCallable,
		capability.ErrPermissionDenied,
		capability.ErrInvalidToken,
		recovery.ErrInvalidSignature,
		recovery.ErrInvalidTransition,
	}
	resourceErrs = []error{
		storage.ErrQuotaExceeded,
		storage.ErrClosed,
	}
	fatalErrs = []error{
		recovery.ErrDeadlineExceeded,
		session.ErrRegistryClosed,
		rpc.ErrClosed,
		ErrLayerClosed,
	}
)

// Classify maps an error returned by any component to its Class. Shutdown
// errors are checked first so a deadline wrapping a transport failure still
// reports Fatal.
func Classify(err error) Class {
	if err == nil {
		return Unclassified
	}
	if matchAny(err, fatalErrs) {
		return Fatal
	}
	var re *rpc.RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Code == envelope.CodeRateLimited || re.Code >= envelope.CodeInternal:
			return Transient
		case re.Code >= envelope.CodeInvalidMessage:
			return Structural
		}
	}
	var esv *envelope.SchemaViolation
	var csv *config.SchemaViolation
	if errors.As(err, &esv) || errors.As(err, &csv) || matchAny(err, structuralErrs) {
		return Structural
	}
	if matchAny(err, resourceErrs) {
		return Resource
	}
	if matchAny(err, transientErrs) {
		return Transient
	}
	return Unclassified
}

func matchAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
