// Package client holds the pieces of darasa that run on the user's side of
// the wire. SessionGuard is the local half of the single-active-session
// contract: the server never pushes an invalidation, it only answers session
// reads, so the guard polls and reacts.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/session"
)

const readSessionPath = "/v1/users/session"

type (
	// SessionState is the locally cached session: the bearer token plus the
	// last known identity. It is all the guard tears down on a forced logout.
	SessionState struct {
		Token     string
		AccountID string
		Roles     []string
	}

	// ReadSessionResponse mirrors the server's session read result.
	ReadSessionResponse struct {
		AccountID   string   `json:"account_id"`
		Roles       []string `json:"roles"`
		ForceLogout bool     `json:"force_logout"`
		Reason      string   `json:"reason,omitempty"`
	}

	Options struct {
		BaseURL  string
		Interval time.Duration // defaults to 5s
		Client   *http.Client
		Logger   core.Logger

		// OnForceLogout is invoked once per teardown with the server's reason
		// code, so the UI can explain why the user was logged out and redirect
		// to re-authentication.
		OnForceLogout func(reason string)
	}

	SessionGuard struct {
		opts Options

		mu    sync.Mutex
		state *SessionState
	}
)

func NewSessionGuard(opts Options) *SessionGuard {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SessionGuard{opts: opts}
}

// SetSession installs the locally cached session after a successful login.
func (g *SessionGuard) SetSession(state SessionState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = &state
}

// Session returns the cached session, if any.
func (g *SessionGuard) Session() (SessionState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == nil {
		return SessionState{}, false
	}
	return *g.state, true
}

// Run polls the session read endpoint at the configured interval until ctx is
// done. Transport failures are fail-safe: the cached session is retained and
// the next tick retries. The guard never optimistically logs out on a
// transient error, and poll failures are invisible to the user.
func (g *SessionGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check performs a single session read. Exposed so a UI can also verify the
// session eagerly, e.g. when the application regains focus.
func (g *SessionGuard) Check(ctx context.Context) {
	state, ok := g.Session()
	if !ok {
		return // nothing to guard
	}

	res, err := g.readSession(ctx, state.Token)
	if err != nil {
		if g.opts.Logger != nil {
			g.opts.Logger.Debug("session poll failed; retaining local state", err)
		}
		return
	}
	if res.ForceLogout {
		g.teardown(res.Reason)
	}
}

func (g *SessionGuard) readSession(ctx context.Context, token string) (ReadSessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.BaseURL+readSessionPath, nil)
	if err != nil {
		return ReadSessionResponse{}, errors.Wrap(err, "building session read request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.opts.Client.Do(req)
	if err != nil {
		return ReadSessionResponse{}, errors.Wrap(err, "polling session")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var res ReadSessionResponse
		if err = json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return ReadSessionResponse{}, errors.Wrap(err, "decoding session read response")
		}
		return res, nil
	case resp.StatusCode == http.StatusUnauthorized:
		// expired or garbled token: the server cannot tell us more
		return ReadSessionResponse{ForceLogout: true, Reason: session.ReasonEnded}, nil
	default:
		// server trouble is treated like a transport failure: retain and retry
		return ReadSessionResponse{}, errors.Errorf("polling session: unexpected status %d", resp.StatusCode)
	}
}

// teardown forgets the cached session and reports the reason exactly once.
func (g *SessionGuard) teardown(reason string) {
	g.mu.Lock()
	hadSession := g.state != nil
	g.state = nil
	g.mu.Unlock()

	if hadSession && g.opts.OnForceLogout != nil {
		g.opts.OnForceLogout(reason)
	}
}
