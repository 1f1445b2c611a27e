package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB         DBConfig
	Server     ServerConfig
	Session    SessionConfig
	Security   SecurityConfig
	TOTP       TOTPConfig
	Mail       MailConfig
	Mattermost MattermostConfig
	LDAP       LDAPConfig
	Redis      RedisConfig
	MinIO      MinIOConfig
	Audit      AuditConfig
	Bootstrap  BootstrapConfig
}

type DBConfig struct {
	Driver   string
	Path     string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type ServerConfig struct {
	Port           string
	SiteURL        string
	LandingPath    string
	StaticPrefix   string
	MediaPrefix    string
	AllowedOrigins string
}

type SessionConfig struct {
	CookieName string
	Expiration time.Duration
	Secure     bool
}

type SecurityConfig struct {
	SecretKey            string
	InvitationTokenDays  int
	MaxTwoFactorAttempts int
}

type TOTPConfig struct {
	Issuer string
	Window int
}

type MailConfig struct {
	From         string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// GraphEnabled reports whether enough Microsoft Graph settings are present to send mail.
func (m MailConfig) GraphEnabled() bool {
	return m.From != "" && m.TenantID != "" && m.ClientID != "" && m.ClientSecret != ""
}

type MattermostConfig struct {
	WebhookURL string
	Channel    string
	Username   string
}

type LDAPConfig struct {
	Enabled      bool
	URL          string
	BindDN       string
	BindPassword string
	SearchBase   string
	UserFilter   string
}

type RedisConfig struct {
	URL string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != "" && m.Bucket != ""
}

type AuditConfig struct {
	QueueSize      int
	ExportInterval time.Duration
}

type BootstrapConfig struct {
	AdminEmail    string
	AdminPassword string
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Path:     getEnv("DB_PATH", "clientmanager.db"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "clientmanager"),
			Password: getEnv("DB_PASSWORD", "clientmanager_secret"),
			Name:     getEnv("DB_NAME", "clientmanager"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			SiteURL:        strings.TrimRight(getEnv("SITE_URL", "http://localhost:8080"), "/"),
			LandingPath:    getEnv("LANDING_PATH", "/"),
			StaticPrefix:   getEnv("STATIC_PREFIX", "/static/"),
			MediaPrefix:    getEnv("MEDIA_PREFIX", "/media/"),
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Session: SessionConfig{
			CookieName: getEnv("SESSION_COOKIE_NAME", "sessionid"),
			Expiration: getEnvAsDuration("SESSION_EXPIRATION", 30*time.Minute),
			Secure:     getEnvAsBool("SESSION_COOKIE_SECURE", false),
		},
		Security: SecurityConfig{
			SecretKey:            getEnv("SECRET_KEY", "change-me-in-production"),
			InvitationTokenDays:  getEnvAsInt("INVITATION_TOKEN_DAYS", 7),
			MaxTwoFactorAttempts: getEnvAsInt("MAX_2FA_ATTEMPTS", 10),
		},
		TOTP: TOTPConfig{
			Issuer: getEnv("TOTP_ISSUER", "Client-Manager"),
			Window: getEnvAsInt("TOTP_WINDOW", 1),
		},
		Mail: MailConfig{
			From:         getEnv("EMAIL_FROM", ""),
			TenantID:     getEnv("AZURE_TENANT_ID", ""),
			ClientID:     getEnv("AZURE_CLIENT_ID", ""),
			ClientSecret: getEnv("AZURE_CLIENT_SECRET", ""),
		},
		Mattermost: MattermostConfig{
			WebhookURL: getEnv("MATTERMOST_WEBHOOK_URL", ""),
			Channel:    getEnv("MATTERMOST_CHANNEL", "town-square"),
			Username:   getEnv("MATTERMOST_USERNAME", "CRM Bot"),
		},
		LDAP: LDAPConfig{
			Enabled:      getEnvAsBool("LDAP_ENABLED", false),
			URL:          getEnv("LDAP_URL", "ldap://localhost:389"),
			BindDN:       getEnv("LDAP_BIND_DN", ""),
			BindPassword: getEnv("LDAP_BIND_PASSWORD", ""),
			SearchBase:   getEnv("LDAP_SEARCH_BASE", ""),
			UserFilter:   getEnv("LDAP_USER_FILTER", "(mail=%s)"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "clientmanager-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Audit: AuditConfig{
			QueueSize:      getEnvAsInt("AUDIT_QUEUE_SIZE", 1000),
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
		Bootstrap: BootstrapConfig{
			AdminEmail:    getEnv("ADMIN_EMAIL", ""),
			AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		},
	}
}

// InvitationMaxAge is the lifetime of activation links.
func (c *Config) InvitationMaxAge() time.Duration {
	days := c.Security.InvitationTokenDays
	if days < 1 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c *Config) CORSOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.Server.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}
