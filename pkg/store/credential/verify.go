package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/dittoweb/internal/logger"
	"golang.org/x/crypto/bcrypt"
)

// Action is the credential operation requested by a form.
type Action int

const (
	// ActionLogin checks a username and password against the store.
	ActionLogin Action = iota

	// ActionRegister adds a new user.
	ActionRegister
)

func (a Action) String() string {
	switch a {
	case ActionLogin:
		return "login"
	case ActionRegister:
		return "register"
	default:
		return "unknown"
	}
}

// Verify runs a login or registration on a handle borrowed from pool.
//
// It returns true when the login matched or the user was registered. A wrong
// password, an unknown user on login, an existing user on register and an empty
// username or password all return false with a nil error. Errors are reserved for
// pool and store failures.
func Verify(ctx context.Context, pool *Pool, action Action, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}

	h, err := pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer pool.Release(h)

	switch action {
	case ActionLogin:
		return login(ctx, h, username, password)
	case ActionRegister:
		return register(ctx, h, username, password, pool.cost)
	default:
		return false, fmt.Errorf("credential: unknown action %d", action)
	}
}

func login(ctx context.Context, h Handle, username, password string) (bool, error) {
	hash, err := h.Lookup(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		logger.Debug("Login for unknown user %q", username)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup %q: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			logger.Warn("Stored hash for %q is unusable: %v", username, err)
		}
		return false, nil
	}
	return true, nil
}

func register(ctx context.Context, h Handle, username, password string, cost int) (bool, error) {
	_, err := h.Lookup(ctx, username)
	if err == nil {
		logger.Debug("Register for existing user %q", username)
		return false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return false, fmt.Errorf("lookup %q: %w", username, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return false, fmt.Errorf("hash password for %q: %w", username, err)
	}

	// Another worker may have registered the same name between Lookup and Insert.
	if err := h.Insert(ctx, username, hash); err != nil {
		if errors.Is(err, ErrUserExists) {
			return false, nil
		}
		return false, fmt.Errorf("insert %q: %w", username, err)
	}
	logger.Info("Registered user %q", username)
	return true, nil
}

// Seed registers each user in users that is not already stored. Passwords are
// plaintext and hashed with the pool's cost.
func Seed(ctx context.Context, pool *Pool, users map[string]string) (int, error) {
	added := 0
	for name, password := range users {
		ok, err := Verify(ctx, pool, ActionRegister, name, password)
		if err != nil {
			return added, fmt.Errorf("seed user %q: %w", name, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}
