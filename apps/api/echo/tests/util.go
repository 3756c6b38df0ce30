package tests

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/session"
	"github.com/darasahq/darasa/core/user"

	. "github.com/darasahq/darasa/apps/api/echo"
	emailsvc "github.com/darasahq/darasa/services/email"
	logsvc "github.com/darasahq/darasa/services/logger"
	dummydb "github.com/darasahq/darasa/storage/database/dummy"
	testutil "github.com/darasahq/darasa/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type testApp struct {
	conf    *core.Config
	usrRepo *dummydb.UserRepository
	usrSvc  user.ServiceInterface
	sessSvc session.ServiceInterface
	server  Server
}

func setup(t *testing.T) *testApp {
	t.Helper()

	conf := testutil.NewConfig()

	db, err := dummydb.Open()
	if err != nil {
		t.Fatalf("setup() failed: %v", err)
	}
	usrRepo := dummydb.NewUserRepository(db)

	logger := logsvc.NewStdLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags))
	logger.Enable(false)

	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	usrSvc := user.NewService(conf, usrRepo, mailSvc)
	sessSvc := session.NewService(conf, usrSvc, usrRepo, logger)

	validate, translator := core.NewValidator()
	user.RegisterValidators(validate, translator)

	server := NewServer(&Options{
		DisableReqLogs: true,
		AppConf:        conf,
		Logger:         logger,
		Validate:       validate,
		Translator:     translator,
		UserSvc:        usrSvc,
		SessionSvc:     sessSvc,
		SignalShutdown: func() {},
	})

	return &testApp{
		conf:    conf,
		usrRepo: usrRepo,
		usrSvc:  usrSvc,
		sessSvc: sessSvc,
		server:  server,
	}
}

type httpErr struct {
	Error string `json:"error"`
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

// login runs a real login request and returns the issued JWT.
func login(t *testing.T, app *testApp, uname, pwd string) string {
	t.Helper()

	body := marshallObj(t, map[string]string{"username": uname, "password": pwd})
	req, rec := newRequest(http.MethodPost, "/v1/users/login", body)
	app.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login() failed: code %d body %s", rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login() failed: %v", err)
	}
	return resp.Token
}

// getToken signs claims directly, bypassing the login claim. Handy for
// forging tokens whose fence is stale or absent.
func getToken(t *testing.T, app *testApp, usr user.User, fence string) string {
	t.Helper()

	now := time.Now().UTC()
	tok := session.Token{
		AccountID: usr.ID,
		Fence:     fence,
		IssuedAt:  now,
		ExpiresAt: now.Add(app.conf.Server.JWTExpirationDelta),
	}
	claims := GetUserClaims(app.conf, usr, tok)
	token, err := GenerateToken(app.conf, claims)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	t.Helper()

	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}
