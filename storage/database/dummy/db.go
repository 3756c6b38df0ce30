package dummydb

import (
	"sync"

	"github.com/darasahq/darasa/core/user"
)

type (
	DB struct {
		user *userTable
	}

	userTable struct {
		sync.Mutex
		table map[string]*user.User
	}
)

func Open() (*DB, error) {
	db := &DB{
		user: &userTable{table: make(map[string]*user.User)},
	}
	return db, nil
}
