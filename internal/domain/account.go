package domain

import (
	"slices"
	"time"
)

type AccountIdentifier string

// Account is the user aggregate. Claims, Logins and role links are owned by the account and are persisted
// together with it by the account store.
type Account struct {
	BaseModel

	Identifier AccountIdentifier `gorm:"primaryKey;column:identifier"`

	UserName           string `gorm:"column:user_name" validate:"required,max=256"`
	NormalizedUserName string `gorm:"column:normalized_user_name;uniqueIndex:idx_acc_user_name"`
	Email              string `gorm:"column:email" validate:"omitempty,email,max=256"`
	NormalizedEmail    string `gorm:"column:normalized_email;index:idx_acc_email"`
	EmailConfirmed     bool   `gorm:"column:email_confirmed"`

	PasswordHash     *string `gorm:"column:password_hash" json:"-"` // nil means no local password
	SecurityStamp    string  `gorm:"column:security_stamp" json:"-"`
	ConcurrencyStamp string  `gorm:"column:concurrency_stamp"`

	PhoneNumber          string `gorm:"column:phone_number;serializer:encstr" validate:"max=64"`
	PhoneNumberConfirmed bool   `gorm:"column:phone_number_confirmed"`
	TwoFactorEnabled     bool   `gorm:"column:two_factor_enabled"`

	LockoutEnabled    bool       `gorm:"column:lockout_enabled"`
	LockoutEnd        *time.Time `gorm:"column:lockout_end"`
	AccessFailedCount int        `gorm:"column:access_failed_count"`

	Claims []Claim         `gorm:"foreignKey:AccountIdentifier;references:Identifier"`
	Logins []ExternalLogin `gorm:"foreignKey:AccountIdentifier;references:Identifier"`
	Roles  []string        `gorm:"-"` // role names, resolved by the store
}

// NewAccount returns a transient account with the given user name.
func NewAccount(userName string) *Account {
	a := &Account{UserName: userName}
	a.Normalize()
	return a
}

// IsTransient returns true if the account has not been persisted yet.
func (a *Account) IsTransient() bool {
	return a.Identifier == ""
}

// Normalize recomputes the normalized lookup columns.
func (a *Account) Normalize() {
	a.NormalizedUserName = NormalizeKey(a.UserName)
	a.NormalizedEmail = NormalizeKey(a.Email)
}

// Clone returns a deep copy of the aggregate.
func (a *Account) Clone() *Account {
	c := *a
	if a.PasswordHash != nil {
		hash := *a.PasswordHash
		c.PasswordHash = &hash
	}
	if a.LockoutEnd != nil {
		end := *a.LockoutEnd
		c.LockoutEnd = &end
	}
	c.Claims = slices.Clone(a.Claims)
	c.Logins = slices.Clone(a.Logins)
	c.Roles = slices.Clone(a.Roles)
	return &c
}

// region fields

func (a *Account) GetPasswordHash() string {
	if a.PasswordHash == nil {
		return ""
	}
	return *a.PasswordHash
}

// SetPasswordHash sets the password hash, an empty hash removes the local password.
func (a *Account) SetPasswordHash(hash string) {
	if hash == "" {
		a.PasswordHash = nil
		return
	}
	a.PasswordHash = &hash
}

func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

func (a *Account) GetSecurityStamp() string {
	return a.SecurityStamp
}

func (a *Account) SetSecurityStamp(stamp string) {
	a.SecurityStamp = stamp
}

func (a *Account) SetEmail(email string) {
	a.Email = email
	a.NormalizedEmail = NormalizeKey(email)
	a.EmailConfirmed = false
}

func (a *Account) SetEmailConfirmed(confirmed bool) {
	a.EmailConfirmed = confirmed
}

func (a *Account) GetPhoneNumber() string {
	return a.PhoneNumber
}

func (a *Account) SetPhoneNumber(phone string) {
	if phone != a.PhoneNumber {
		a.PhoneNumberConfirmed = false
	}
	a.PhoneNumber = phone
}

func (a *Account) GetTwoFactorEnabled() bool {
	return a.TwoFactorEnabled
}

func (a *Account) SetTwoFactorEnabled(enabled bool) {
	a.TwoFactorEnabled = enabled
}

func (a *Account) GetLockoutEnabled() bool {
	return a.LockoutEnabled
}

func (a *Account) SetLockoutEnabled(enabled bool) {
	a.LockoutEnabled = enabled
}

func (a *Account) GetLockoutEnd() *time.Time {
	return a.LockoutEnd
}

// SetLockoutEnd sets the lockout expiry. A nil value ends the lockout.
func (a *Account) SetLockoutEnd(end *time.Time) {
	if end == nil {
		a.LockoutEnd = nil
		return
	}
	utc := end.UTC()
	a.LockoutEnd = &utc
}

func (a *Account) GetAccessFailedCount() int {
	return a.AccessFailedCount
}

// IsLockedOut returns true if lockout is enabled and the lockout end lies after now.
func (a *Account) IsLockedOut(now time.Time) bool {
	if !a.LockoutEnabled || a.LockoutEnd == nil {
		return false
	}
	return a.LockoutEnd.After(now)
}

// endregion fields

// region collections

func (a *Account) HasClaim(claim Claim) bool {
	return slices.ContainsFunc(a.Claims, func(c Claim) bool { return c.Key() == claim.Key() })
}

func (a *Account) HasLogin(login ExternalLogin) bool {
	return slices.ContainsFunc(a.Logins, func(l ExternalLogin) bool { return l.Key() == login.Key() })
}

// HasRole checks the in-memory role names, ignoring case.
func (a *Account) HasRole(roleName string) bool {
	normalized := NormalizeKey(roleName)
	return slices.ContainsFunc(a.Roles, func(r string) bool { return NormalizeKey(r) == normalized })
}

// RemoveRole drops the role name from the in-memory collection, ignoring case.
func (a *Account) RemoveRole(roleName string) {
	normalized := NormalizeKey(roleName)
	a.Roles = slices.DeleteFunc(a.Roles, func(r string) bool { return NormalizeKey(r) == normalized })
}

func (a *Account) RemoveClaim(claim Claim) {
	a.Claims = slices.DeleteFunc(a.Claims, func(c Claim) bool { return c.Key() == claim.Key() })
}

func (a *Account) RemoveLogin(login ExternalLogin) {
	a.Logins = slices.DeleteFunc(a.Logins, func(l ExternalLogin) bool { return l.Key() == login.Key() })
}

// endregion collections

// ClaimKey identifies a claim within an account.
type ClaimKey struct {
	Type  string
	Value string
}

// Claim is a (type, value) pair owned by exactly one account.
type Claim struct {
	Id                uint64            `gorm:"primaryKey;autoIncrement:true;column:id"`
	AccountIdentifier AccountIdentifier `gorm:"column:account_identifier;index:idx_claim_account"`
	Type              string            `gorm:"column:claim_type;index:idx_claim_type_value"`
	Value             string            `gorm:"column:claim_value;index:idx_claim_type_value"`
}

func NewClaim(claimType, value string) Claim {
	return Claim{Type: claimType, Value: value}
}

func (Claim) TableName() string {
	return "account_claims"
}

func (c Claim) Key() ClaimKey {
	return ClaimKey{Type: c.Type, Value: c.Value}
}

// LoginKey identifies an external login globally.
type LoginKey struct {
	Provider    string
	ProviderKey string
}

// ExternalLogin links an account to an external identity provider. A (provider, provider key) pair belongs to at
// most one account, the composite primary key enforces that.
type ExternalLogin struct {
	Provider          string            `gorm:"primaryKey;column:provider"`
	ProviderKey       string            `gorm:"primaryKey;column:provider_key"`
	AccountIdentifier AccountIdentifier `gorm:"column:account_identifier;index:idx_login_account"`
	DisplayName       string            `gorm:"column:display_name"`
}

func NewExternalLogin(provider, providerKey string) ExternalLogin {
	return ExternalLogin{Provider: provider, ProviderKey: providerKey}
}

func (ExternalLogin) TableName() string {
	return "account_logins"
}

func (l ExternalLogin) Key() LoginKey {
	return LoginKey{Provider: l.Provider, ProviderKey: l.ProviderKey}
}

// AccountRole is the join row between accounts and roles.
type AccountRole struct {
	AccountIdentifier AccountIdentifier `gorm:"primaryKey;column:account_identifier"`
	RoleIdentifier    RoleIdentifier    `gorm:"primaryKey;column:role_identifier;index:idx_acc_role_role"`
}

func (AccountRole) TableName() string {
	return "account_roles"
}
