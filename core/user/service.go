package user

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/darasahq/darasa/core"
)

var (
	// errors
	ErrNotFound           = errors.New("user not found")
	ErrEmailExists        = errors.New("a user with this email already exists")
	ErrUsernameExists     = errors.New("a user with this username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account deactivated")
)

type (
	// Repository is the persistence contract for users.
	//
	// The session fence is mutated only through SetFenceIfNull and ClearFence;
	// there is deliberately no unconditional setter. SetFenceIfNull must be a
	// single conditional write (an UPDATE restricted to rows holding a null
	// fence, reporting whether a row was affected) so a claim is a true
	// compare-and-swap and two concurrent logins cannot both win.
	Repository interface {
		CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers ...User) error
		CreateUser(ctx context.Context, usr User) (User, error)
		QueryUsers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		GetUser(ctx context.Context, filter GetFilter) (User, error)
		UpdateUser(ctx context.Context, usr User) (User, error)
		UpdateOrCreateUser(ctx context.Context, usr User) (User, error)
		DeleteUsersByID(ctx context.Context, ids ...string) (int, error)

		GetFence(ctx context.Context, accountID string) (null.String, error)
		SetFenceIfNull(ctx context.Context, accountID, fence string) (bool, error)
		ClearFence(ctx context.Context, accountID string) error
	}

	ServiceInterface interface {
		Create(ctx context.Context, nu NewUser) (User, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		GetByID(ctx context.Context, id string) (User, error)
		GetByUsername(ctx context.Context, uname string) (User, error)
		GetByEmail(ctx context.Context, email string) (User, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (User, error)
		Update(ctx context.Context, id string, uu UpdateUser) (User, error)
		Delete(ctx context.Context, ids ...string) error
		CheckUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error
		Authenticate(ctx context.Context, identifier, secret string) (User, error)
		SetLastLogin(ctx context.Context, usr User) (User, error)
		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, rp ResetUserPassword) error
	}

	service struct {
		conf    *core.Config
		repo    Repository
		mailSvc core.EmailService
	}
)

var _ ServiceInterface = (*service)(nil) // interface compliance check

func NewService(conf *core.Config, repo Repository, mailSvc core.EmailService) ServiceInterface {
	return &service{
		conf:    conf,
		repo:    repo,
		mailSvc: mailSvc,
	}
}

func (svc *service) CheckUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, exclUsers...); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return err
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	now := time.Now().UTC()
	usr := User{
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		Roles:     nu.Roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	usr.SetActive(true)
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "setting password")
	}
	return svc.repo.CreateUser(ctx, usr)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter, ordering)
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *service) GetByUsername(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Username: core.CleanString(uname, true /* lower */)})
}

func (svc *service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: []string{core.CleanString(uname, true /* lower */)}})
}

// Update modifies an existing user. A role change or a deactivation clears the
// session fence: any session issued under the old role (or for the now-disabled
// account) must stop validating and force a re-login.
func (svc *service) Update(ctx context.Context, id string, uu UpdateUser) (User, error) {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}

	if uu.Name != "" {
		usr.Name = uu.Name
	}
	if uu.Username != "" {
		usr.Username = uu.Username
	}
	if uu.Email != "" {
		usr.Email = uu.Email
	}
	usr.UpdatedAt = time.Now().UTC()

	rolesChanged := uu.Roles != nil && !equalRoles(usr.Roles, uu.Roles)
	if uu.Roles != nil {
		usr.Roles = uu.Roles
	}
	deactivated := uu.IsActive != nil && !*uu.IsActive
	if uu.IsActive != nil {
		usr.IsActive = uu.IsActive
	}
	if uu.Password != "" {
		if err = usr.SetPassword(uu.Password); err != nil {
			return User{}, errors.Wrap(err, "setting password")
		}
	}

	usr, err = svc.repo.UpdateUser(ctx, usr)
	if err != nil {
		return User{}, err
	}

	if rolesChanged || deactivated {
		if err = svc.repo.ClearFence(ctx, usr.ID); err != nil {
			return User{}, errors.Wrap(err, "clearing session fence")
		}
		usr.SessionFence = null.String{}
	}
	return usr, nil
}

func (svc *service) Delete(ctx context.Context, ids ...string) error {
	_, err := svc.repo.DeleteUsersByID(ctx, ids...)
	return err
}

// Authenticate verifies an identifier/secret pair. An unknown identifier and a
// wrong secret are indistinguishable to the caller (both ErrInvalidCredentials)
// to avoid account enumeration. No side effects on failure.
func (svc *service) Authenticate(ctx context.Context, identifier, secret string) (User, error) {
	usr, err := svc.GetByUsernameOrEmail(ctx, identifier)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return User{}, ErrInvalidCredentials
		}
		return User{}, errors.Wrap(err, "finding user by username or email")
	}
	if err = usr.CheckPassword(secret); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if usr.IsActive != nil && !*usr.IsActive {
		return User{}, ErrAccountDeactivated
	}
	return usr, nil
}

func (svc *service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	usr.LastLogin = time.Now().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	svc.sendPasswordResetMail(usr)
	return nil
}

// ResetPassword sets a new password from a valid reset token. The session fence
// is cleared as well: a password reset is how a user locks out whoever else may
// be holding the account's session.
func (svc *service) ResetPassword(ctx context.Context, rp ResetUserPassword) error {
	uid, err := decodeUID(rp.UID)
	if err != nil {
		return core.NewValidationError(errInvalidToken)
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: uid})
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return core.NewValidationError(errInvalidToken)
		}
		return err
	}
	if err = verifyToken(svc.conf, usr, rp.Token); err != nil {
		return core.NewValidationError(err)
	}
	if err = usr.SetPassword(rp.Password); err != nil {
		return errors.Wrap(err, "setting password")
	}
	usr.UpdatedAt = time.Now().UTC()
	if _, err = svc.repo.UpdateUser(ctx, usr); err != nil {
		return err
	}
	return svc.repo.ClearFence(ctx, usr.ID)
}

func (svc *service) sendPasswordResetMail(usr User) {
	token, err := MakeToken(svc.conf, usr)
	if err != nil {
		return
	}
	body := fmt.Sprintf(
		"Hi %s,\n\n"+
			"You requested a password reset on %s.\n"+
			"Use the token below to set a new password. It expires in %s.\n\n"+
			"UID: %s\nToken: %s\n\n"+
			"If you did not request this, you can safely ignore this email.",
		usr.Name, svc.conf.AppName, svc.conf.PasswordResetTimeoutDelta, EncodeUID(usr), token,
	)
	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:          []mail.Address{{Name: usr.Name, Address: usr.Email}},
		Subject:     "Password Reset",
		TextContent: body,
	})
}

func equalRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, r := range a {
		seen[r]++
	}
	for _, r := range b {
		if seen[r] == 0 {
			return false
		}
		seen[r]--
	}
	return true
}
