package dummydb

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/user"
)

type UserRepository struct {
	db *userTable

	// FailFenceReads makes GetFence return ErrStoreDown; tests use it to
	// exercise the validator's no-throw contract.
	FailFenceReads bool
}

// ErrStoreDown simulates an unreachable persistence layer.
var ErrStoreDown = errors.New("store unreachable")

var _ user.Repository = (*UserRepository)(nil) // interface compliance check

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db.user}
}

func (repo *UserRepository) query() []user.User {
	users := make([]user.User, 0, len(repo.db.table))
	for _, u := range repo.db.table {
		users = append(users, *u)
	}
	return users
}

func (repo *UserRepository) CheckUsernameUniqueness(_ context.Context, username, email string, excludedUsers ...user.User) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	excluded := make(map[string]bool, len(excludedUsers))
	for _, u := range excludedUsers {
		excluded[u.ID] = true
	}

	for _, usr := range repo.query() {
		if excluded[usr.ID] {
			continue
		}
		if username != "" && usr.Username == username {
			return user.ErrUsernameExists
		}
		if email != "" && usr.Email == email {
			return user.ErrEmailExists
		}
	}
	return nil
}

func (repo *UserRepository) CreateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	usr.ID = uuid.New().String()
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *UserRepository) QueryUsers(_ context.Context, filter *user.QueryFilter, ordering []core.DBOrdering) ([]user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	users := repo.query()
	if filter != nil && !filter.IsEmpty() {
		matched := users[:0]
		for _, usr := range users {
			if matchesFilter(usr, filter) {
				matched = append(matched, usr)
			}
		}
		users = matched
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

func matchesFilter(usr user.User, filter *user.QueryFilter) bool {
	if filter.Search != "" {
		s := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(usr.Name), s) &&
			!strings.Contains(strings.ToLower(usr.Username), s) &&
			!strings.Contains(strings.ToLower(usr.Email), s) {
			return false
		}
	}
	if len(filter.Roles) > 0 {
		var hasRole bool
		for _, role := range filter.Roles {
			if usr.RoleStartsWith(role) {
				hasRole = true
				break
			}
		}
		if !hasRole {
			return false
		}
	}
	if filter.IsActive != nil {
		if usr.IsActive == nil || *usr.IsActive != *filter.IsActive {
			return false
		}
	}
	if !filter.CreatedFrom.IsZero() && usr.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && usr.CreatedAt.After(filter.CreatedTo) {
		return false
	}
	return true
}

func (repo *UserRepository) GetUser(_ context.Context, filter user.GetFilter) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()
	return repo.getUser(filter)
}

func (repo *UserRepository) getUser(filter user.GetFilter) (user.User, error) {
	if filter.ID != "" {
		if usr, ok := repo.db.table[filter.ID]; ok {
			return *usr, nil
		}
		return user.User{}, user.ErrNotFound
	}

	for _, usr := range repo.query() {
		switch {
		case filter.Username != "":
			if usr.Username == filter.Username {
				return usr, nil
			}
		case filter.Email != "":
			if usr.Email == filter.Email {
				return usr, nil
			}
		case len(filter.UsernameOrEmail) > 0:
			for _, identifier := range filter.UsernameOrEmail {
				if identifier != "" && (usr.Username == identifier || usr.Email == identifier) {
					return usr, nil
				}
			}
		}
	}
	return user.User{}, user.ErrNotFound
}

func (repo *UserRepository) UpdateUser(_ context.Context, usr user.User) (user.User, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	orig, ok := repo.db.table[usr.ID]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	usr.SessionFence = orig.SessionFence // fence mutates only via the fence ops
	repo.db.table[usr.ID] = &usr
	return usr, nil
}

func (repo *UserRepository) UpdateOrCreateUser(ctx context.Context, usr user.User) (user.User, error) {
	if usr.ID == "" {
		return repo.CreateUser(ctx, usr)
	}
	return repo.UpdateUser(ctx, usr)
}

func (repo *UserRepository) DeleteUsersByID(_ context.Context, ids ...string) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	var cnt int
	for _, id := range ids {
		if _, ok := repo.db.table[id]; ok {
			delete(repo.db.table, id)
			cnt++
		}
	}
	return cnt, nil
}

func (repo *UserRepository) GetFence(_ context.Context, accountID string) (null.String, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if repo.FailFenceReads {
		return null.String{}, ErrStoreDown
	}
	if usr, ok := repo.db.table[accountID]; ok {
		return usr.SessionFence, nil
	}
	return null.String{}, user.ErrNotFound
}

// SetFenceIfNull claims the fence only when none is set; both the check and
// the write happen under the table lock, matching the conditional-UPDATE
// semantics of the SQL implementation.
func (repo *UserRepository) SetFenceIfNull(_ context.Context, accountID, fence string) (bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	usr, ok := repo.db.table[accountID]
	if !ok {
		return false, user.ErrNotFound
	}
	if usr.SessionFence.Valid {
		return false, nil
	}
	usr.SessionFence = null.StringFrom(fence)
	return true, nil
}

func (repo *UserRepository) ClearFence(_ context.Context, accountID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	if usr, ok := repo.db.table[accountID]; ok {
		usr.SessionFence = null.String{}
	}
	return nil
}
