package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

type (
	ServiceInterface interface {
		Login(ctx context.Context, identifier, secret string) (Token, user.User, error)
		Read(ctx context.Context, tok Token) Result
		Evict(ctx context.Context, identifier, secret string) error
		Logout(ctx context.Context, accountID string) error
	}

	Service struct {
		conf  *core.Config
		users user.ServiceInterface
		store AccountStore
		log   core.Logger

		nowFunc func() time.Time // mockable
	}
)

var _ ServiceInterface = (*Service)(nil) // interface compliance check

// newFence generates a fresh opaque fence value; uniqueness is all that
// matters, the value itself carries no meaning.
func newFence() string {
	return uuid.New().String()
}

func NewService(conf *core.Config, users user.ServiceInterface, store AccountStore, log core.Logger) *Service {
	return &Service{
		conf:    conf,
		users:   users,
		store:   store,
		log:     log,
		nowFunc: time.Now,
	}
}

// Login verifies the credentials and claims the account's fence. The claim is
// a conditional write that only succeeds when no fence is set; if another
// session already owns the account it fails with ErrConcurrentSession and the
// existing session is left untouched.
func (svc *Service) Login(ctx context.Context, identifier, secret string) (Token, user.User, error) {
	usr, err := svc.users.Authenticate(ctx, identifier, secret)
	if err != nil {
		return Token{}, user.User{}, err
	}

	fence := newFence()
	claimed, err := svc.store.SetFenceIfNull(ctx, usr.ID, fence)
	if err != nil {
		return Token{}, user.User{}, errors.Wrap(err, "claiming session fence")
	}
	if !claimed {
		return Token{}, user.User{}, ErrConcurrentSession
	}

	updated, err := svc.users.SetLastLogin(ctx, usr)
	if err != nil {
		// no token was issued, so the claim must not outlive this login;
		// otherwise every retry fails with ErrConcurrentSession
		if clearErr := svc.store.ClearFence(ctx, usr.ID); clearErr != nil {
			svc.log.Error("releasing unissued session fence", errors.Wrap(clearErr, "releasing unissued session fence"))
		}
		return Token{}, user.User{}, errors.Wrap(err, "setting lastLogin")
	}
	usr = updated

	now := svc.nowFunc().UTC()
	tok := Token{
		AccountID: usr.ID,
		Fence:     fence,
		IssuedAt:  now,
		ExpiresAt: now.Add(svc.conf.Server.JWTExpirationDelta),
	}
	return tok, usr, nil
}

// Read re-reads the account's current fence and compares it against the
// token's embedded value. It never returns an error and never interrupts the
// request: every outcome, including a store failure, degrades to a result the
// caller can act on. A failing authentication check must deny, not allow, so
// store failures read as unauthenticated rather than live.
func (svc *Service) Read(ctx context.Context, tok Token) Result {
	if tok.AccountID == "" || tok.Fence == "" {
		return Result{ForceLogout: true, Reason: ReasonEnded}
	}
	if !tok.ExpiresAt.IsZero() && svc.nowFunc().After(tok.ExpiresAt) {
		// an expired session reads the same as one the account holder ended
		return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonEnded}
	}

	current, err := svc.store.GetFence(ctx, tok.AccountID)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			// a deleted account is a permanent end, not a store hiccup
			return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonEnded}
		}
		svc.log.Error("reading session fence", errors.Wrap(err, "reading session fence"))
		return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonUnavailable}
	}
	if !current.Valid {
		return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonEnded}
	}
	if !tok.Live(current) {
		return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonSuperseded}
	}

	usr, err := svc.users.GetByID(ctx, tok.AccountID)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonEnded}
		}
		svc.log.Error("reading session account", errors.Wrap(err, "reading session account"))
		return Result{AccountID: tok.AccountID, ForceLogout: true, Reason: ReasonUnavailable}
	}
	return Result{AccountID: usr.ID, Roles: usr.Roles}
}

// Evict clears the account's fence after a full credential re-check, freeing
// the account for a subsequent ordinary login. The caller's stale token is
// not sufficient proof since they no longer hold a valid session, and
// requiring fresh credentials keeps eviction from being an unauthenticated
// denial-of-service lever. Evict does not log the caller in.
func (svc *Service) Evict(ctx context.Context, identifier, secret string) error {
	usr, err := svc.users.Authenticate(ctx, identifier, secret)
	if err != nil {
		return err
	}
	if err = svc.store.ClearFence(ctx, usr.ID); err != nil {
		return errors.Wrap(err, "clearing session fence")
	}
	return nil
}

// Logout voluntarily clears the calling account's fence. Clearing an already
// clear fence is a no-op success: logout must never fail loudly for a client
// that is unsure of its own state.
func (svc *Service) Logout(ctx context.Context, accountID string) error {
	if accountID == "" {
		return nil
	}
	if err := svc.store.ClearFence(ctx, accountID); err != nil {
		return errors.Wrap(err, "clearing session fence")
	}
	return nil
}
