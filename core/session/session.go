// Package session enforces the single-active-session rule: at most one live
// session per account, coordinated through a per-account fence value in the
// account store. A login claims the fence; every later read compares the
// fence embedded in the presented token against the stored one; logout,
// eviction and administrative role changes clear it.
//
// Invalidation is eventual, not immediate: an in-flight session is never
// interrupted server-side. A superseded token keeps failing the fence
// comparison, and the client's polling guard acts on that signal.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
)

var (
	// ErrConcurrentSession is a contract, not a soft warning: the login flow
	// must surface it as a distinct, actionable state (offering eviction),
	// never as a generic credential failure.
	ErrConcurrentSession = errors.New("another session is already active for this account")
)

// Reason codes reported to the client alongside a forced logout, so the UI
// can explain why the session stopped working.
const (
	ReasonSuperseded  = "superseded"  // a different session now owns the account
	ReasonEnded       = "ended"       // fence cleared: logout, eviction, role change or expiry
	ReasonUnavailable = "unavailable" // account state could not be read; conservative deny
)

type (
	// Token is the immutable capability handed to a client at login. It embeds
	// the fence value that was current at issuance; it is never stored
	// server-side and never mutated, validity is derived on each read.
	Token struct {
		AccountID string
		Fence     string
		IssuedAt  time.Time
		ExpiresAt time.Time
	}

	// Result is the ephemeral, request-scoped outcome of a session read,
	// computed fresh on every request and never cached beyond it.
	Result struct {
		AccountID   string   `json:"account_id"`
		Roles       []string `json:"roles"`
		ForceLogout bool     `json:"force_logout"`
		Reason      string   `json:"reason,omitempty"`
	}

	// AccountStore is the slice of the account persistence layer this package
	// coordinates through. SetFenceIfNull must be atomic (a conditional write
	// reporting whether it took effect), which makes the claim a true
	// compare-and-swap and closes the duplicate-claim window two concurrent
	// logins would otherwise race through.
	AccountStore interface {
		GetFence(ctx context.Context, accountID string) (null.String, error)
		SetFenceIfNull(ctx context.Context, accountID, fence string) (bool, error)
		ClearFence(ctx context.Context, accountID string) error
	}
)

// Live reports whether the token's embedded fence matches the current one.
func (t Token) Live(current null.String) bool {
	return current.Valid && current.String == t.Fence
}
