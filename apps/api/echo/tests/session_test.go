package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darasahq/darasa/core/session"
	"github.com/darasahq/darasa/core/user"
	testutil "github.com/darasahq/darasa/tests"
)

func readSession(t *testing.T, app *testApp, token string) (int, session.Result) {
	t.Helper()

	req, rec := newAuthRequest(http.MethodGet, "/v1/users/session", token)
	app.server.ServeHTTP(rec, req)

	var res session.Result
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	}
	return rec.Code, res
}

func TestLogin(t *testing.T) {
	app := setup(t)
	testutil.CreateUser(t, app.usrRepo, "Alice A", "alice", "alice@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, true)

	t.Run("issues a token", func(t *testing.T) {
		app2 := setup(t)
		testutil.CreateUser(t, app2.usrRepo, "Alice A", "alice", "alice@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, true)
		token := login(t, app2, "alice", "p@s5w0rd#")
		assert.NotEmpty(t, token)
	})

	t.Run("rejects a second login while a session is active", func(t *testing.T) {
		login(t, app, "alice", "p@s5w0rd#")

		body := marshallObj(t, map[string]string{"username": "alice", "password": "p@s5w0rd#"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		app.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("rejects invalid credentials", func(t *testing.T) {
		body := marshallObj(t, map[string]string{"username": "alice", "password": "nope"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		app.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects a deactivated account", func(t *testing.T) {
		testutil.CreateUser(t, app.usrRepo, "Bob B", "bob", "bob@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, false)

		body := marshallObj(t, map[string]string{"username": "bob", "password": "p@s5w0rd#"})
		req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
		app.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestReadSession(t *testing.T) {
	app := setup(t)
	usr := testutil.CreateUser(t, app.usrRepo, "Alice A", "alice", "alice@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, true)

	t.Run("requires a token", func(t *testing.T) {
		req, rec := newRequest(http.MethodGet, "/v1/users/session")
		app.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		var herr httpErr
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &herr))
		assert.Equal(t, errMissingToken, herr)
	})

	t.Run("live session", func(t *testing.T) {
		token := login(t, app, "alice", "p@s5w0rd#")

		code, res := readSession(t, app, token)
		assert.Equal(t, http.StatusOK, code)
		assert.False(t, res.ForceLogout)
		assert.Equal(t, usr.ID, res.AccountID)
		assert.Equal(t, usr.Roles, res.Roles)
	})

	t.Run("ended session", func(t *testing.T) {
		token := getToken(t, app, usr, "gone-fence")
		require.NoError(t, app.sessSvc.Logout(context.Background(), usr.ID))

		code, res := readSession(t, app, token)
		assert.Equal(t, http.StatusOK, code)
		assert.True(t, res.ForceLogout)
		assert.Equal(t, session.ReasonEnded, res.Reason)
	})
}

// The full single-session scenario end to end over HTTP: a second device can
// only get in by evicting the first, and the first device's token then reads
// as superseded.
func TestEvictionScenario(t *testing.T) {
	app := setup(t)
	testutil.CreateUser(t, app.usrRepo, "Alice A", "alice", "alice@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, true)

	// device 1 logs in
	t1 := login(t, app, "alice", "p@s5w0rd#")

	// device 2 cannot log in
	body := marshallObj(t, map[string]string{"username": "alice", "password": "p@s5w0rd#"})
	req2, rec2 := newRequest(http.MethodPost, "/v1/users/login", body)
	app.server.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)

	// device 2 evicts with fresh credentials
	reqEv, recEv := newRequest(http.MethodPost, "/v1/users/evict", body)
	app.server.ServeHTTP(recEv, reqEv)
	require.Equal(t, http.StatusOK, recEv.Code)

	// device 2 logs in
	t2 := login(t, app, "alice", "p@s5w0rd#")

	// device 1's token is now superseded; device 2's is live
	code, res := readSession(t, app, t1)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, session.ReasonSuperseded, res.Reason)

	code, res = readSession(t, app, t2)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, res.ForceLogout)
}

func TestEvict(t *testing.T) {
	app := setup(t)
	testutil.CreateUser(t, app.usrRepo, "Alice A", "alice", "alice@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, true)
	login(t, app, "alice", "p@s5w0rd#")

	t.Run("requires valid credentials", func(t *testing.T) {
		body := marshallObj(t, map[string]string{"username": "alice", "password": "nope"})
		req1, rec1 := newRequest(http.MethodPost, "/v1/users/evict", body)
		app.server.ServeHTTP(rec1, req1)
		assert.Equal(t, http.StatusBadRequest, rec1.Code)

		// fence intact: login still conflicts
		body = marshallObj(t, map[string]string{"username": "alice", "password": "p@s5w0rd#"})
		req2, rec2 := newRequest(http.MethodPost, "/v1/users/login", body)
		app.server.ServeHTTP(rec2, req2)
		assert.Equal(t, http.StatusConflict, rec2.Code)
	})

	t.Run("frees the account", func(t *testing.T) {
		body := marshallObj(t, map[string]string{"username": "alice", "password": "p@s5w0rd#"})
		req1, rec1 := newRequest(http.MethodPost, "/v1/users/evict", body)
		app.server.ServeHTTP(rec1, req1)
		assert.Equal(t, http.StatusOK, rec1.Code)

		login(t, app, "alice", "p@s5w0rd#")
	})
}

func TestLogout(t *testing.T) {
	app := setup(t)
	testutil.CreateUser(t, app.usrRepo, "Alice A", "alice", "alice@darasa.cd", "p@s5w0rd#", []string{user.RoleStudent}, true)
	token := login(t, app, "alice", "p@s5w0rd#")

	logout := func() int {
		req1, rec1 := newAuthRequest(http.MethodPost, "/v1/users/logout", token)
		app.server.ServeHTTP(rec1, req1)
		return rec1.Code
	}

	assert.Equal(t, http.StatusNoContent, logout())
	// idempotent
	assert.Equal(t, http.StatusNoContent, logout())

	// account is free again
	login(t, app, "alice", "p@s5w0rd#")
}

func TestStaleSessionDeniedOnProtectedEndpoints(t *testing.T) {
	app := setup(t)
	admin := testutil.CreateUser(t, app.usrRepo, "Admin", "admin", "admin@darasa.cd", "p@s5w0rd#", []string{user.RoleAdmin}, true)

	// forged token whose fence was never claimed
	stale := getToken(t, app, admin, "stale-fence")
	req1, rec1 := newAuthRequest(http.MethodGet, "/v1/users", stale)
	app.server.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusUnauthorized, rec1.Code)

	// a real login works
	token := login(t, app, "admin", "p@s5w0rd#")
	req2, rec2 := newAuthRequest(http.MethodGet, "/v1/users", token)
	app.server.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}
