package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type User struct {
	ID       string
	Username string
	Roles    string
	hash     []byte
}

// Account is how a user is declared in configuration. Either PasswordHash (a
// bcrypt hash) or Password must be set.
type Account struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Roles        string `yaml:"roles"`
}

// Directory is a fixed set of users keyed by username.
type Directory struct {
	users map[string]User
}

func NewDirectory(accounts []Account) (*Directory, error) {
	d := &Directory{users: make(map[string]User, len(accounts))}
	for _, a := range accounts {
		if a.Username == "" {
			return nil, errors.New("account without username")
		}
		if _, dup := d.users[a.Username]; dup {
			return nil, fmt.Errorf("duplicate account %q", a.Username)
		}

		hash := []byte(a.PasswordHash)
		if len(hash) == 0 {
			if a.Password == "" {
				return nil, fmt.Errorf("account %q has no password", a.Username)
			}
			var err error
			hash, err = bcrypt.GenerateFromPassword([]byte(a.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for %q: %w", a.Username, err)
			}
		}

		id := a.ID
		if id == "" {
			id = a.Username
		}
		d.users[a.Username] = User{ID: id, Username: a.Username, Roles: a.Roles, hash: hash}
	}
	return d, nil
}

// Authenticate returns the user when password matches.
func (d *Directory) Authenticate(username, password string) (User, error) {
	u, ok := d.users[username]
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}
