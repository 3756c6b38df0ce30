package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darasahq/darasa/core/session"
)

func newGuard(t *testing.T, handler http.HandlerFunc) (*SessionGuard, *int32) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var logouts int32
	g := NewSessionGuard(Options{
		BaseURL:       srv.URL,
		OnForceLogout: func(string) { atomic.AddInt32(&logouts, 1) },
	})
	return g, &logouts
}

func sessionHandler(t *testing.T, res ReadSessionResponse) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	}
}

func TestGuardLiveSession(t *testing.T) {
	g, logouts := newGuard(t, sessionHandler(t, ReadSessionResponse{AccountID: "a1"}))
	g.SetSession(SessionState{Token: "tok", AccountID: "a1"})

	g.Check(context.Background())

	_, ok := g.Session()
	assert.True(t, ok)
	assert.EqualValues(t, 0, atomic.LoadInt32(logouts))
}

func TestGuardForceLogout(t *testing.T) {
	var gotReason string
	srv := httptest.NewServer(sessionHandler(t, ReadSessionResponse{
		AccountID:   "a1",
		ForceLogout: true,
		Reason:      session.ReasonSuperseded,
	}))
	defer srv.Close()

	var logouts int32
	g := NewSessionGuard(Options{
		BaseURL: srv.URL,
		OnForceLogout: func(r string) {
			atomic.AddInt32(&logouts, 1)
			gotReason = r
		},
	})
	g.SetSession(SessionState{Token: "tok", AccountID: "a1"})

	g.Check(context.Background())

	_, ok := g.Session()
	assert.False(t, ok, "local state must be torn down")
	assert.EqualValues(t, 1, logouts)
	assert.Equal(t, session.ReasonSuperseded, gotReason)

	// a second check with no session is a no-op: the reason fires once
	g.Check(context.Background())
	assert.EqualValues(t, 1, logouts)
}

func TestGuardFailSafeOnTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // guarantee connection failures

	var logouts int32
	g := NewSessionGuard(Options{
		BaseURL:       srv.URL,
		OnForceLogout: func(string) { atomic.AddInt32(&logouts, 1) },
	})
	g.SetSession(SessionState{Token: "tok", AccountID: "a1"})

	g.Check(context.Background())

	// transient failure: retain last known state, no logout
	_, ok := g.Session()
	assert.True(t, ok)
	assert.EqualValues(t, 0, atomic.LoadInt32(&logouts))
}

func TestGuardFailSafeOnServerError(t *testing.T) {
	g, logouts := newGuard(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	g.SetSession(SessionState{Token: "tok", AccountID: "a1"})

	g.Check(context.Background())

	_, ok := g.Session()
	assert.True(t, ok)
	assert.EqualValues(t, 0, atomic.LoadInt32(logouts))
}

func TestGuardUnauthorizedReadsAsEnded(t *testing.T) {
	var gotReason string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewSessionGuard(Options{
		BaseURL:       srv.URL,
		OnForceLogout: func(r string) { gotReason = r },
	})
	g.SetSession(SessionState{Token: "tok", AccountID: "a1"})

	g.Check(context.Background())

	_, ok := g.Session()
	assert.False(t, ok)
	assert.Equal(t, session.ReasonEnded, gotReason)
}
