// Package auth tracks passphrase verification attempts per connection and
// enforces the backoff/lockout policy that makes pairing brute-force
// resistant.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kmshare/crypto"
)

const (
	// MaxAttempts is the number of consecutive failures tolerated before
	// backoff engages.
	MaxAttempts = 3
	// InitialBackoff is the first enforced wait once backoff engages.
	InitialBackoff = time.Second
	// MaxBackoff caps the doubling schedule; a failure at the cap moves the
	// connection into the hard lockout.
	MaxBackoff = 30 * time.Second
	// HardLockout is the final lockout during which responses are rejected
	// without evaluation.
	HardLockout = 5 * time.Minute
)

// ErrPassphraseMismatch reports a response that was evaluated and did not
// match the expected secret.
var ErrPassphraseMismatch = errors.New("auth: passphrase mismatch")

// LockedError reports that verification was refused before evaluation
// because the connection is inside a backoff or lockout window.
type LockedError struct {
	RetryAfter time.Duration
	Hard       bool
}

func (e *LockedError) Error() string {
	if e.Hard {
		return fmt.Sprintf("auth: locked out, retry in %s", e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("auth: too many failed attempts, retry in %s", e.RetryAfter.Round(time.Second))
}

type attemptState struct {
	failures    int
	backoff     time.Duration
	lockedUntil time.Time
	hardLocked  bool
}

// Authenticator owns per-connection verification attempt state and the
// reconnect tokens issued to paired devices. Safe for concurrent use.
type Authenticator struct {
	mu     sync.Mutex
	states map[string]*attemptState
	tokens map[string]string

	// Injectable for tests.
	now      func() time.Time
	verifyFn func(secret, record string) bool
}

// NewAuthenticator returns an authenticator with empty attempt state.
func NewAuthenticator() *Authenticator {
	return &Authenticator{
		states:   make(map[string]*attemptState),
		tokens:   make(map[string]string),
		now:      time.Now,
		verifyFn: crypto.VerifyPassphrase,
	}
}

// Verify evaluates one passphrase response for a connection. It returns nil
// on a match, ErrPassphraseMismatch on an evaluated mismatch, or a
// *LockedError without any hash work when the connection is inside a
// backoff or lockout window. A match clears the connection's attempt state.
func (a *Authenticator) Verify(connectionID, secret, record string) error {
	a.mu.Lock()
	state, ok := a.states[connectionID]
	if !ok {
		state = &attemptState{}
		a.states[connectionID] = state
	}

	now := a.now()
	if now.Before(state.lockedUntil) {
		err := &LockedError{RetryAfter: state.lockedUntil.Sub(now), Hard: state.hardLocked}
		a.mu.Unlock()
		return err
	}
	if state.hardLocked {
		// The hard lockout has expired; the connection starts clean.
		*state = attemptState{}
	}
	a.mu.Unlock()

	// The key derivation is deliberately slow; never hold the lock across it.
	matched := a.verifyFn(secret, record)

	a.mu.Lock()
	defer a.mu.Unlock()

	if matched {
		delete(a.states, connectionID)
		return nil
	}

	state.failures++
	if state.failures >= MaxAttempts {
		switch {
		case state.backoff == 0:
			state.backoff = InitialBackoff
		case state.backoff >= MaxBackoff:
			// Final failure of the backoff schedule.
			state.hardLocked = true
			state.lockedUntil = a.now().Add(HardLockout)
			return ErrPassphraseMismatch
		default:
			state.backoff *= 2
			if state.backoff > MaxBackoff {
				state.backoff = MaxBackoff
			}
		}
		state.lockedUntil = a.now().Add(state.backoff)
	}
	return ErrPassphraseMismatch
}

// Failures returns the consecutive failure count for a connection.
func (a *Authenticator) Failures(connectionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.states[connectionID]; ok {
		return state.failures
	}
	return 0
}

// ResetAttempts clears attempt state, typically when the connection closes.
func (a *Authenticator) ResetAttempts(connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, connectionID)
}

// IssueReconnectToken mints and records a fresh token for a paired device,
// replacing any previous one.
func (a *Authenticator) IssueReconnectToken(deviceID string) string {
	token := uuid.NewString()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[deviceID] = token
	return token
}

// RestoreReconnectToken loads a previously issued token, typically read
// back from the device registry at startup.
func (a *Authenticator) RestoreReconnectToken(deviceID, token string) {
	if deviceID == "" || token == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[deviceID] = token
}

// ValidateReconnectToken reports whether the presented token matches the
// most recently issued token for the device.
func (a *Authenticator) ValidateReconnectToken(deviceID, token string) bool {
	a.mu.Lock()
	want, ok := a.tokens[deviceID]
	a.mu.Unlock()
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

// RevokeReconnectToken forgets the device's token, forcing a full pairing on
// its next connection.
func (a *Authenticator) RevokeReconnectToken(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, deviceID)
}
