package main

import (
	"context"

	"github.com/darasahq/darasa/core/user"
)

// evict is the operational escape hatch: it ends a user's active session
// without needing their credentials, freeing the account for a fresh login.
func (cli *commandLine) evict(uname string) error {
	ctx := context.Background()
	usr, err := cli.usrRepo.GetUser(ctx, user.GetFilter{UsernameOrEmail: []string{uname}})
	if err != nil {
		return err
	}
	return cli.usrRepo.ClearFence(ctx, usr.ID)
}
