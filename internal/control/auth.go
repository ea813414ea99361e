package control

import (
	"crypto/subtle"
	"time"
)

// authTimeout is how long a freshly connected client has to send its auth
// frame before the connection is closed.
const authTimeout = 5 * time.Second

// pingInterval is the liveness heartbeat period once a client is authenticated.
const pingInterval = 30 * time.Second

// checkToken compares got against want in constant time, so a client probing
// with incorrect tokens can't learn anything from response timing.
func checkToken(want, got string) bool {
	if want == "" {
		return false
	}
	if len(want) != len(got) {
		// Still run a comparison of equal-length dummies so the branch
		// doesn't leak length via timing.
		subtle.ConstantTimeCompare([]byte(want), []byte(want))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
