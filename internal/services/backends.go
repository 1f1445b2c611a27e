package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anganicrm/clientmanager/internal/config"
	"github.com/anganicrm/clientmanager/internal/models"
	"github.com/anganicrm/clientmanager/pkg/logger"
	"github.com/anganicrm/clientmanager/pkg/utils"
	"github.com/go-ldap/ldap/v3"
	"gorm.io/gorm"
)

const (
	BackendEmail = "email"
	BackendLDAP  = "ldap"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

// Backend checks a credential pair and returns the matching active user.
// Any failure that the caller may not distinguish is ErrInvalidCredentials.
type Backend interface {
	Name() string
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
}

var (
	dummyHashOnce sync.Once
	dummyHash     string
)

// burnPasswordCheck keeps the unknown-email path as slow as a real bcrypt check.
func burnPasswordCheck(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = utils.HashPassword("not-a-real-password")
	})
	utils.CheckPassword(password, dummyHash)
}

type EmailBackend struct {
	DB *gorm.DB
}

func (b *EmailBackend) Name() string { return BackendEmail }

func (b *EmailBackend) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	user, err := findActiveUser(ctx, b.DB, email)
	if err != nil {
		burnPasswordCheck(password)
		return nil, err
	}
	if !utils.CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func findActiveUser(ctx context.Context, db *gorm.DB, email string) (*models.User, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidCredentials
	}

	var user models.User
	err := db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

type ldapSession interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

type ldapDialer func(url string) (ldapSession, func(), error)

func dialLDAP(url string) (ldapSession, func(), error) {
	conn, err := ldap.DialURL(url, ldap.DialWithTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	if err != nil {
		return nil, nil, err
	}
	return conn, func() { conn.Close() }, nil
}

// LDAPBackend verifies the password against a directory bind. The local
// account must exist and be active; it stays the source of truth for 2FA
// flags and staff status.
type LDAPBackend struct {
	DB   *gorm.DB
	Cfg  config.LDAPConfig
	dial ldapDialer
}

func NewLDAPBackend(db *gorm.DB, cfg config.LDAPConfig) *LDAPBackend {
	return &LDAPBackend{DB: db, Cfg: cfg, dial: dialLDAP}
}

func (b *LDAPBackend) Name() string { return BackendLDAP }

func (b *LDAPBackend) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	if password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := findActiveUser(ctx, b.DB, email)
	if err != nil {
		return nil, err
	}

	conn, closeConn, err := b.dial(b.Cfg.URL)
	if err != nil {
		logger.Warn("ldap_dial_failed", map[string]interface{}{
			"url":   b.Cfg.URL,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("connect to directory: %w", err)
	}
	defer closeConn()

	if b.Cfg.BindDN != "" {
		if err := conn.Bind(b.Cfg.BindDN, b.Cfg.BindPassword); err != nil {
			logger.Warn("ldap_bind_failed", map[string]interface{}{
				"bind_dn": b.Cfg.BindDN,
				"error":   err.Error(),
			})
			return nil, fmt.Errorf("bind service account: %w", err)
		}
	}

	filter := b.Cfg.UserFilter
	if !strings.Contains(filter, "%s") {
		filter = "(mail=%s)"
	}
	result, err := conn.Search(ldap.NewSearchRequest(
		b.Cfg.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		0,
		false,
		fmt.Sprintf(filter, ldap.EscapeFilter(user.Email)),
		[]string{"dn"},
		nil,
	))
	if err != nil {
		logger.Warn("ldap_search_failed", map[string]interface{}{
			"email": user.Email,
			"error": err.Error(),
		})
		return nil, fmt.Errorf("search directory: %w", err)
	}
	if len(result.Entries) != 1 {
		return nil, ErrInvalidCredentials
	}

	if err := conn.Bind(result.Entries[0].DN, password); err != nil {
		logger.Warn("ldap_user_bind_failed", map[string]interface{}{
			"user_dn": result.Entries[0].DN,
		})
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
