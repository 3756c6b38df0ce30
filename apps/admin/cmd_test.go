package main

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/darasahq/darasa/core/user"
	dummydb "github.com/darasahq/darasa/storage/database/dummy"
	testutil "github.com/darasahq/darasa/tests"
)

func setup(t *testing.T) (*commandLine, *dummydb.UserRepository) {
	t.Helper()

	db, err := dummydb.Open()
	require.NoError(t, err)
	usrRepo := dummydb.NewUserRepository(db)

	return &commandLine{db: &sqlx.DB{}, usrRepo: usrRepo}, usrRepo
}

func mockPassword(t *testing.T, pwd string) {
	t.Helper()

	orig := readPasswordFunc
	readPasswordFunc = func(fd int) ([]byte, error) { return []byte(pwd), nil }
	t.Cleanup(func() { readPasswordFunc = orig })
}

func Test_commandLine_run_help(t *testing.T) {
	cli, _ := setup(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: []string{"admin"}},
		{name: "unknown command", args: []string{"admin", "lol"}},
		{name: "adduser: no args", args: []string{"admin", "adduser"}},
		{name: "resetpassword: no args", args: []string{"admin", "resetpassword"}},
		{name: "evict: no args", args: []string{"admin", "evict"}},
		{name: "migrate: no subcommand", args: []string{"admin", "migrate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockPassword(t, "")
			assert.Equal(t, errHelp, cli.run(tt.args))
		})
	}
}

func Test_commandLine_addUser(t *testing.T) {
	cli, usrRepo := setup(t)
	ctx := context.Background()
	mockPassword(t, "s3cur3.p4ss")

	// create
	require.NoError(t, cli.run([]string{"admin", "adduser", "-username", "awe", "-email", "awe@test.cd", "-admin"}))

	usr, err := usrRepo.GetUser(ctx, user.GetFilter{Username: "awe"})
	require.NoError(t, err)
	assert.Equal(t, user.AllRoles, usr.Roles)
	assert.NoError(t, usr.CheckPassword("s3cur3.p4ss"))

	// update is idempotent on the same username/email
	require.NoError(t, cli.run([]string{"admin", "adduser", "-username", "awe", "-email", "awe@test.cd"}))
	users, err := usrRepo.QueryUsers(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func Test_commandLine_resetPassword(t *testing.T) {
	cli, usrRepo := setup(t)
	ctx := context.Background()

	usr := testutil.CreateUser(t, usrRepo, "User", "awe", "awe@test.cd", "0ld.p4ss", nil, true)
	_, err := usrRepo.SetFenceIfNull(ctx, usr.ID, "fence-1")
	require.NoError(t, err)

	mockPassword(t, "n3w.p4ss")
	require.NoError(t, cli.run([]string{"admin", "resetpassword", "-username", "awe"}))

	usr, err = usrRepo.GetUser(ctx, user.GetFilter{ID: usr.ID})
	require.NoError(t, err)
	assert.NoError(t, usr.CheckPassword("n3w.p4ss"))

	// active session is ended
	fence, err := usrRepo.GetFence(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, null.String{}, fence)
}

func Test_commandLine_evict(t *testing.T) {
	cli, usrRepo := setup(t)
	ctx := context.Background()

	usr := testutil.CreateUser(t, usrRepo, "User", "awe", "awe@test.cd", "p4ss", nil, true)
	_, err := usrRepo.SetFenceIfNull(ctx, usr.ID, "fence-1")
	require.NoError(t, err)

	require.NoError(t, cli.run([]string{"admin", "evict", "-username", "awe@test.cd"}))

	fence, err := usrRepo.GetFence(ctx, usr.ID)
	require.NoError(t, err)
	assert.False(t, fence.Valid)

	// unknown user
	assert.Equal(t, user.ErrNotFound, cli.run([]string{"admin", "evict", "-username", "nobody"}))
}

func Test_commandLine_migrate(t *testing.T) {
	cli, _ := setup(t)

	var gotCommand string
	var gotArgs []string
	orig := gooseRunFunc
	gooseRunFunc = func(command string, db *sql.DB, dir string, args ...string) error {
		gotCommand = command
		gotArgs = args
		if command == "lol" {
			return fmt.Errorf("%q: no such command", command)
		}
		return nil
	}
	t.Cleanup(func() { gooseRunFunc = orig })

	require.NoError(t, cli.run([]string{"admin", "migrate", "up"}))
	assert.Equal(t, "up", gotCommand)

	require.NoError(t, cli.run([]string{"admin", "migrate", "up-to", "2"}))
	assert.Equal(t, []string{"2"}, gotArgs)

	assert.EqualError(t, cli.run([]string{"admin", "migrate", "lol"}), `"lol": no such command`)
}
