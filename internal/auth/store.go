// Package auth holds the chat credential store and the token manager for
// the admin HTTP API.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Store verifies chat login credentials. It is seeded once at startup and
// immutable afterwards, so lookups are safe for concurrent use. Passwords
// are kept only as bcrypt hashes.
type Store struct {
	users map[string][]byte
}

// NewStore hashes the given username/password pairs into a store.
func NewStore(creds map[string]string) (*Store, error) {
	users := make(map[string][]byte, len(creds))
	for name, pass := range creds {
		if name == "" || pass == "" {
			return nil, fmt.Errorf("credential for %q has an empty field", name)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", name, err)
		}
		users[name] = hash
	}
	return &Store{users: users}, nil
}

// Verify reports whether the pair matches a seeded credential. Unknown
// users and empty fields verify false; there is no error case.
func (s *Store) Verify(username, password string) bool {
	if username == "" || password == "" {
		return false
	}
	hash, ok := s.users[username]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
