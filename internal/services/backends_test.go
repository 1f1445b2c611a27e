package services

import (
	"context"
	"errors"
	"testing"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	users   map[string]string
	dns     map[string]string
	filters []string
	closed  int
	dialErr error
	bindLog []string
}

func (d *fakeDirectory) Bind(username, password string) error {
	d.bindLog = append(d.bindLog, username)
	if expected, ok := d.users[username]; ok && expected == password {
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (d *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d.filters = append(d.filters, req.Filter)
	result := &ldap.SearchResult{}
	if dn, ok := d.dns[req.Filter]; ok {
		result.Entries = append(result.Entries, ldap.NewEntry(dn, nil))
	}
	return result, nil
}

func (d *fakeDirectory) dial(string) (ldapSession, func(), error) {
	if d.dialErr != nil {
		return nil, nil, d.dialErr
	}
	return d, func() { d.closed++ }, nil
}

func TestLDAPBackend(t *testing.T) {
	db := setupServiceDB(t)
	ctx := context.Background()

	createServiceUser(t, db, "jane@example.com", "", userOpts{})
	createServiceUser(t, db, "gone@example.com", "", userOpts{inactive: true})

	dir := &fakeDirectory{
		users: map[string]string{
			"cn=svc,dc=example,dc=com":   "svc-pass",
			"uid=jane,dc=example,dc=com": "directory-pass",
		},
		dns: map[string]string{
			"(mail=jane@example.com)": "uid=jane,dc=example,dc=com",
			"(mail=gone@example.com)": "uid=gone,dc=example,dc=com",
		},
	}

	backend := NewLDAPBackend(db, config.LDAPConfig{
		Enabled:      true,
		URL:          "ldap://directory.example.com:389",
		BindDN:       "cn=svc,dc=example,dc=com",
		BindPassword: "svc-pass",
		SearchBase:   "dc=example,dc=com",
		UserFilter:   "(mail=%s)",
	})
	backend.dial = dir.dial
	assert.Equal(t, BackendLDAP, backend.Name())

	t.Run("directory bind succeeds", func(t *testing.T) {
		user, err := backend.Authenticate(ctx, "Jane@Example.com", "directory-pass")
		require.NoError(t, err)
		assert.Equal(t, "jane@example.com", user.Email)
		assert.Contains(t, dir.bindLog, "uid=jane,dc=example,dc=com")
	})

	t.Run("wrong directory password", func(t *testing.T) {
		_, err := backend.Authenticate(ctx, "jane@example.com", "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("inactive local account is rejected before the directory", func(t *testing.T) {
		before := len(dir.filters)
		_, err := backend.Authenticate(ctx, "gone@example.com", "anything")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, before, len(dir.filters))
	})

	t.Run("unknown local account", func(t *testing.T) {
		_, err := backend.Authenticate(ctx, "stranger@example.com", "directory-pass")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("filter input is escaped", func(t *testing.T) {
		createServiceUser(t, db, "a*b@example.com", "", userOpts{})
		_, err := backend.Authenticate(ctx, "a*b@example.com", "x")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		assert.Equal(t, `(mail=a\2ab@example.com)`, dir.filters[len(dir.filters)-1])
	})

	t.Run("unreachable directory is an operational error", func(t *testing.T) {
		dir.dialErr = errors.New("connection refused")
		defer func() { dir.dialErr = nil }()

		_, err := backend.Authenticate(ctx, "jane@example.com", "directory-pass")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrInvalidCredentials)
	})

	assert.Positive(t, dir.closed)
}
