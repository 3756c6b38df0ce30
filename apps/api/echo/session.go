package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/session"
	"github.com/darasahq/darasa/core/user"
)

type sessionApi struct {
	opts *Options
}

// Handlers

func (api *sessionApi) login(ctx echo.Context) error {
	var data LoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to LoginRequest")
	}
	if err := data.Validate(api.opts.Validate); err != nil {
		return err
	}

	tok, usr, err := api.opts.SessionSvc.Login(ctx.Request().Context(), data.Username, data.Password)
	if err != nil {
		switch errors.Cause(err) {
		case user.ErrInvalidCredentials:
			return errAuthenticationFailed
		case user.ErrAccountDeactivated:
			return errAccountDeactivated
		case session.ErrConcurrentSession:
			return errConcurrentSession
		}
		return errors.Wrap(err, "logging in")
	}

	claims := GetUserClaims(api.opts.AppConf, usr, tok)
	token, err := GenerateToken(api.opts.AppConf, claims)
	if err != nil {
		return errors.Wrap(err, "generating token")
	}

	return ctx.JSON(http.StatusOK, LoginResponse{Token: token})
}

// readSession is the polling endpoint. It always answers 200 with a session
// read result; a stale or superseded session is reported in the body via
// force_logout, never as an HTTP error, so the poller can tell "you have been
// logged out" apart from "the server is unreachable".
func (api *sessionApi) readSession(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	res := api.opts.SessionSvc.Read(ctx.Request().Context(), claims.sessionToken())
	return ctx.JSON(http.StatusOK, res)
}

func (api *sessionApi) evict(ctx echo.Context) error {
	var data EvictRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to EvictRequest")
	}
	if err := data.Validate(api.opts.Validate); err != nil {
		return err
	}

	err := api.opts.SessionSvc.Evict(ctx.Request().Context(), data.Username, data.Password)
	if err != nil {
		switch errors.Cause(err) {
		case user.ErrInvalidCredentials:
			return errAuthenticationFailed
		case user.ErrAccountDeactivated:
			return errAccountDeactivated
		}
		return errors.Wrap(err, "evicting session")
	}

	return ctx.JSON(http.StatusOK, SuccessResponse{Success: "Active session ended. You may now log in."})
}

func (api *sessionApi) logout(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	if err := api.opts.SessionSvc.Logout(ctx.Request().Context(), claims.Subject); err != nil {
		return errors.Wrap(err, "logging out")
	}
	return ctx.NoContent(http.StatusNoContent)
}

type (
	LoginRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	LoginResponse struct {
		Token string `json:"token"`
	}

	EvictRequest struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
)

func (lr *LoginRequest) Validate(validate *validator.Validate) error {
	lr.Username = core.CleanString(lr.Username, true /* lower */)
	return validate.Struct(lr)
}

func (er *EvictRequest) Validate(validate *validator.Validate) error {
	er.Username = core.CleanString(er.Username, true /* lower */)
	return validate.Struct(er)
}
