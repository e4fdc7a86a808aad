package utils

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ReconnectConfig = struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}{
	InitialDelay: 1 * time.Second,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

const cloudflare524Error = "524"
const grpcHTTPFallbackError = "unexpected HTTP status code received from server"

// ShouldReconnect classifies a stream or request failure. It returns whether
// the failure is transient and the minimum delay before trying again.
func ShouldReconnect(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	// During server restarts, gRPC calls may briefly hit the HTTP gateway on
	// the same port and get a plain HTTP response.
	if strings.Contains(err.Error(), grpcHTTPFallbackError) {
		return true, time.Second
	}

	st, ok := status.FromError(err)
	if !ok {
		if strings.Contains(err.Error(), cloudflare524Error) {
			return true, 5 * time.Second
		}
		return true, time.Second
	}

	switch st.Code() {
	case codes.Unknown:
		if strings.Contains(st.Message(), cloudflare524Error) {
			return true, 5 * time.Second
		}
		return false, 0
	case codes.ResourceExhausted:
		return true, 5 * time.Second
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Aborted:
		return true, time.Second
	case codes.FailedPrecondition:
		// the service may answer this while its wallet is still locked or syncing
		return true, 5 * time.Second
	default:
		return false, 0
	}
}

// NewReconnectBackoff returns an exponential backoff bounded by
// ReconnectConfig that never gives up.
func NewReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ReconnectConfig.InitialDelay
	b.MaxInterval = ReconnectConfig.MaxDelay
	b.Multiplier = ReconnectConfig.Multiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ReconnectDelay returns the wait before the next reconnection attempt after
// err. Non transient failures wait for the max delay and report false.
func ReconnectDelay(b backoff.BackOff, err error) (time.Duration, bool) {
	transient, hint := ShouldReconnect(err)
	if !transient {
		return ReconnectConfig.MaxDelay, false
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop || delay > ReconnectConfig.MaxDelay {
		delay = ReconnectConfig.MaxDelay
	}
	if hint > delay {
		delay = hint
	}
	return delay, true
}
