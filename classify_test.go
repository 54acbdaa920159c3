package portlink

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ggoodman/portlink-go/capability"
	"github.com/ggoodman/portlink-go/config"
	"github.com/ggoodman/portlink-go/envelope"
	"github.com/ggoodman/portlink-go/ratelimit"
	"github.com/ggoodman/portlink-go/recovery"
	"github.com/ggoodman/portlink-go/rpc"
	"github.com/ggoodman/portlink-go/session"
	"github.com/ggoodman/portlink-go/storage"
	"github.com/ggoodman/portlink-go/transport"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Unclassified},
		{"foreign", errors.New("boom"), Unclassified},
		{"call timeout", rpc.ErrTimeout, Transient},
		{"wrapped session lost", fmt.Errorf("call: %w", rpc.ErrSessionLost), Transient},
		{"rate limited", ratelimit.ErrRateLimitExceeded, Transient},
		{"transport", fmt.Errorf("%w: refused", transport.ErrTransportUnavailable), Transient},
		{"handshake timeout", session.ErrConnectionTimeout, Transient},
		{"context deadline", context.DeadlineExceeded, Transient},
		{"remote 429", &rpc.RemoteError{Code: envelope.CodeRateLimited}, Transient},
		{"remote 500", &rpc.RemoteError{Code: envelope.CodeInternal}, Transient},
		{"remote 404", &rpc.RemoteError{Code: envelope.CodeMethodNotFound}, Structural},
		{"unknown type", fmt.Errorf("%w: \"NOPE\"", envelope.ErrUnknownType), Structural},
		{"envelope schema", &envelope.SchemaViolation{}, Structural},
		{"config schema", &config.SchemaViolation{Key: "x", Reason: "unknown key"}, Structural},
		{"permission", capability.ErrPermissionDenied, Structural},
		{"quota", fmt.Errorf("persist config: %w", storage.ErrQuotaExceeded), Resource},
		{"shutdown deadline", recovery.ErrDeadlineExceeded, Fatal},
		{"deadline wrapping transport", errors.Join(recovery.ErrDeadlineExceeded, transport.ErrSendFailed), Fatal},
		{"registry closed", session.ErrRegistryClosed, Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}
