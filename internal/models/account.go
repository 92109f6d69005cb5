package models

import "time"

// Provider kinds derived from the account's providerId
const (
	ProviderGmail = "google"
	ProviderIMAP  = "imap"
)

// Account represents a connected mailbox
// Note: Column names use camelCase to match Prisma/frontend schema
type Account struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	AccountID            string     `gorm:"column:accountId"`
	ProviderID           string     `gorm:"column:providerId"`
	UserID               string     `gorm:"column:userId"`
	Email                *string    `gorm:"column:email"`
	AccessToken          *string    `gorm:"column:accessToken"`
	RefreshToken         *string    `gorm:"column:refreshToken"`
	AccessTokenExpiresAt *time.Time `gorm:"column:accessTokenExpiresAt"`
	Scope                *string    `gorm:"column:scope"`
	IMAPHost             *string    `gorm:"column:imapHost"`
	IMAPPort             *int       `gorm:"column:imapPort"`
	IMAPUsername         *string    `gorm:"column:imapUsername"`
	Password             *string    `gorm:"column:password"`
	IMAPTLS              bool       `gorm:"column:imapTls"`
	IsActive             bool       `gorm:"column:isActive"`
	DeactivatedReason    *string    `gorm:"column:deactivatedReason"`
	CreatedAt            time.Time  `gorm:"column:createdAt"`
	UpdatedAt            time.Time  `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "account"
}
