package models

import (
	"strings"
	"time"
)

// User is the credential record. Email is the identity key and is always
// stored lowercased. An empty PasswordHash is an unusable password.
type User struct {
	BaseModel
	Email             string     `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash      string     `json:"-" gorm:"type:text;not null;default:''"`
	FirstName         string     `json:"firstName" gorm:"type:varchar(100);not null;default:''"`
	LastName          string     `json:"lastName" gorm:"type:varchar(100);not null;default:''"`
	IsActive          bool       `json:"isActive" gorm:"not null;default:false"`
	IsStaff           bool       `json:"isStaff" gorm:"not null;default:false"`
	TwoFactorEnabled  bool       `json:"twoFactorEnabled" gorm:"column:two_factor_enabled;not null;default:false"`
	TwoFactorRequired bool       `json:"twoFactorRequired" gorm:"column:two_factor_required;not null;default:false"`
	TOTPSecret        *string    `json:"-" gorm:"column:totp_secret;type:text"`
	LastLoginAt       *time.Time `json:"lastLoginAt,omitempty"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (u *User) HasUsablePassword() bool {
	return u.PasswordHash != ""
}

func (u *User) HasTOTPSecret() bool {
	return u.TOTPSecret != nil && *u.TOTPSecret != ""
}

// NeedsTwoFactorSetup reports whether the account is blocked until it enrols.
func (u *User) NeedsTwoFactorSetup() bool {
	return u.TwoFactorRequired && !u.TwoFactorEnabled
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
