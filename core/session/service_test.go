package session

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darasahq/darasa/core/user"
	emailsvc "github.com/darasahq/darasa/services/email"
	logsvc "github.com/darasahq/darasa/services/logger"
	dummydb "github.com/darasahq/darasa/storage/database/dummy"
	testutil "github.com/darasahq/darasa/tests"
)

type fixture struct {
	svc    *Service
	usrSvc user.ServiceInterface
	repo   *dummydb.UserRepository
}

func setup(t *testing.T) fixture {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)
	repo := dummydb.NewUserRepository(db)

	conf := testutil.NewConfig()
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	usrSvc := user.NewService(conf, repo, mailSvc)
	logger := logsvc.NewStdLogger(log.New(io.Discard, "", 0))

	return fixture{
		svc:    NewService(conf, usrSvc, repo, logger),
		usrSvc: usrSvc,
		repo:   repo,
	}
}

// failingUserService delegates to a real user service but injects failures
// into selected calls.
type failingUserService struct {
	user.ServiceInterface
	lastLoginFailures int
	getByIDErr        error
}

func (s *failingUserService) SetLastLogin(ctx context.Context, usr user.User) (user.User, error) {
	if s.lastLoginFailures > 0 {
		s.lastLoginFailures--
		return user.User{}, errors.New("storage offline")
	}
	return s.ServiceInterface.SetLastLogin(ctx, usr)
}

func (s *failingUserService) GetByID(ctx context.Context, id string) (user.User, error) {
	if s.getByIDErr != nil {
		return user.User{}, s.getByIDErr
	}
	return s.ServiceInterface.GetByID(ctx, id)
}

func TestLoginSingleClaim(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, usr, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)
	assert.Equal(t, usr.ID, tok.AccountID)
	assert.NotEmpty(t, tok.Fence)
	assert.False(t, usr.LastLogin.IsZero())

	// a second login with valid credentials is rejected while the first is live
	_, _, err = f.svc.Login(ctx, "alicealice", "p@s5worD!")
	assert.ErrorIs(t, err, ErrConcurrentSession)

	// logout frees the account for a fresh claim
	require.NoError(t, f.svc.Logout(ctx, usr.ID))
	tok2, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)
	assert.NotEqual(t, tok.Fence, tok2.Fence)
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	// wrong secret and unknown identifier are indistinguishable
	_, _, err := f.svc.Login(ctx, "alicealice", "nope")
	assert.ErrorIs(t, err, user.ErrInvalidCredentials)

	_, _, err = f.svc.Login(ctx, "whoisthis", "nope")
	assert.ErrorIs(t, err, user.ErrInvalidCredentials)

	// failed logins have no side effects: the account is still claimable
	_, _, err = f.svc.Login(ctx, "alice@test.test", "p@s5worD!")
	assert.NoError(t, err)
}

func TestLoginDeactivatedAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, false)

	_, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	assert.ErrorIs(t, err, user.ErrAccountDeactivated)
}

// TestLoginReleasesFenceOnStoreFailure covers the error path between the
// fence claim and the token issue: a login that fails there issued nothing,
// so it must not leave the account fenced against its own retries.
func TestLoginReleasesFenceOnStoreFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	f.svc.users = &failingUserService{ServiceInterface: f.usrSvc, lastLoginFailures: 1}

	_, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConcurrentSession)

	// once the store is healthy again a retry must succeed outright
	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	res := f.svc.Read(ctx, tok)
	assert.False(t, res.ForceLogout)
}

// TestEvictionScenario walks the full supersession flow: a token issued before
// an eviction must read as force-logout once a new session claims the account.
func TestEvictionScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	t1, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	_, _, err = f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.ErrorIs(t, err, ErrConcurrentSession)

	require.NoError(t, f.svc.Evict(ctx, "alicealice", "p@s5worD!"))

	t2, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)
	require.NotEqual(t, t1.Fence, t2.Fence)

	res1 := f.svc.Read(ctx, t1)
	assert.True(t, res1.ForceLogout)
	assert.Equal(t, ReasonSuperseded, res1.Reason)

	res2 := f.svc.Read(ctx, t2)
	assert.False(t, res2.ForceLogout)
	assert.Equal(t, t2.AccountID, res2.AccountID)
	assert.Equal(t, user.StudentRoles, res2.Roles)
}

func TestEvictRequiresCredentials(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	// a wrong secret must not clear the fence
	err = f.svc.Evict(ctx, "alicealice", "nope")
	assert.ErrorIs(t, err, user.ErrInvalidCredentials)

	res := f.svc.Read(ctx, tok)
	assert.False(t, res.ForceLogout)
}

func TestLogoutIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usr := testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	assert.NoError(t, f.svc.Logout(ctx, usr.ID))
	assert.NoError(t, f.svc.Logout(ctx, usr.ID)) // second clear is a no-op success
	assert.NoError(t, f.svc.Logout(ctx, ""))     // a client unsure of its state never fails loudly

	res := f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, ReasonEnded, res.Reason)
}

func TestRoleChangeClearsFence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usr := testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	_, err = f.usrSvc.Update(ctx, usr.ID, user.UpdateUser{
		Name:     usr.Name,
		Username: usr.Username,
		Email:    usr.Email,
		Roles:    user.TeacherRoles,
	})
	require.NoError(t, err)

	// the old session must not ride the old role
	res := f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, ReasonEnded, res.Reason)
}

func TestDeactivationClearsFence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usr := testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	inactive := false
	_, err = f.usrSvc.Update(ctx, usr.ID, user.UpdateUser{
		Name:     usr.Name,
		Username: usr.Username,
		Email:    usr.Email,
		IsActive: &inactive,
	})
	require.NoError(t, err)

	res := f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
}

func TestReadNeverErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	// garbled/absent token
	res := f.svc.Read(ctx, Token{})
	assert.True(t, res.ForceLogout)

	// store failure degrades to a conservative unauthenticated read
	f.repo.FailFenceReads = true
	res = f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, ReasonUnavailable, res.Reason)
	f.repo.FailFenceReads = false

	res = f.svc.Read(ctx, tok)
	assert.False(t, res.ForceLogout)
}

func TestReadExpiredToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	f.svc.nowFunc = func() time.Time { return tok.ExpiresAt.Add(time.Minute) }
	res := f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, ReasonEnded, res.Reason)
}

// TestReadDeletedAccount distinguishes a vanished account from a failing
// store: the former is a permanent end of the session, the latter only a
// conservative temporary deny.
func TestReadDeletedAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usr := testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	_, err = f.repo.DeleteUsersByID(ctx, usr.ID)
	require.NoError(t, err)

	res := f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, ReasonEnded, res.Reason)
}

// TestReadAccountGoneAfterFenceMatch deletes the account between the fence
// read and the account read; that is still an ended session.
func TestReadAccountGoneAfterFenceMatch(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	tok, _, err := f.svc.Login(ctx, "alicealice", "p@s5worD!")
	require.NoError(t, err)

	f.svc.users = &failingUserService{
		ServiceInterface: f.usrSvc,
		getByIDErr:       errors.Wrap(user.ErrNotFound, "getting user"),
	}

	res := f.svc.Read(ctx, tok)
	assert.True(t, res.ForceLogout)
	assert.Equal(t, ReasonEnded, res.Reason)
}

// TestConcurrentClaims drives the fence claim from many goroutines at once;
// the conditional write must admit exactly one winner.
func TestConcurrentClaims(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	usr := testutil.CreateUser(t, f.repo, "Alice", "alicealice", "alice@test.test", "p@s5worD!", user.StudentRoles, true)

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan string, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fence := newFence()
			claimed, err := f.repo.SetFenceIfNull(ctx, usr.ID, fence)
			if err != nil {
				t.Errorf("SetFenceIfNull() failed: %v", err)
				return
			}
			if claimed {
				wins <- fence
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for fence := range wins {
		winners = append(winners, fence)
	}
	require.Len(t, winners, 1)

	current, err := f.repo.GetFence(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], current.String)
}
