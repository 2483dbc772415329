package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	evbus "github.com/vardius/message-bus"

	"github.com/h44z/identity-store/internal/app"
	"github.com/h44z/identity-store/internal/config"
	"github.com/h44z/identity-store/internal/domain"
)

var ErrInvalidPassword = errors.New("invalid user name or password")
var ErrPasswordTooWeak = errors.New("password does not meet requirements")
var ErrLockedOut = errors.New("account is locked out")
var ErrInvalidToken = errors.New("invalid token")

const (
	purposeResetPassword     = "ResetPassword"
	purposeEmailConfirmation = "EmailConfirmation"
)

// Manager implements the account workflows on top of the stores: passwords, lockout, tokens, roles and claims.
// It uses the stores it was created with, so a manager belongs to a single unit of work.
type Manager struct {
	cfg config.IdentityConfig
	bus evbus.MessageBus

	accounts AccountRepo
	roles    RoleRepo
	hasher   PasswordHasher
	tokens   TokenProvider

	now func() time.Time
}

type Option func(m *Manager)

func WithPasswordHasher(h PasswordHasher) Option {
	return func(m *Manager) {
		m.hasher = h
	}
}

func WithTokenProvider(p TokenProvider) Option {
	return func(m *Manager) {
		m.tokens = p
	}
}

// WithClock replaces the time source used for lockout decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(
	cfg config.IdentityConfig,
	bus evbus.MessageBus,
	accounts AccountRepo,
	roles RoleRepo,
	opts ...Option,
) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid identity configuration: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		accounts: accounts,
		roles:    roles,
		hasher:   NewBcryptHasher(cfg.BcryptCost),
		tokens:   NewJwtTokenProvider([]byte(cfg.TokenSecret), cfg.TokenLifetime),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// region accounts

// Create stores a new account. An empty password creates an account without local password.
func (m Manager) Create(ctx context.Context, account *domain.Account, password string) error {
	if password != "" {
		hash, err := m.hashPassword(password)
		if err != nil {
			return err
		}
		account.SetPasswordHash(hash)
	}
	if m.cfg.LockoutEnabledByDefault {
		account.SetLockoutEnabled(true)
	}
	account.SetSecurityStamp(uuid.NewString())

	if err := m.accounts.Create(ctx, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	m.publish(ctx, app.TopicAccountCreated, app.NewAccountEvent(account))

	return nil
}

func (m Manager) Delete(ctx context.Context, account *domain.Account) error {
	event := app.NewAccountEvent(account)

	if err := m.accounts.Delete(ctx, account); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}

	m.publish(ctx, app.TopicAccountDeleted, event)

	return nil
}

func (m Manager) Update(ctx context.Context, account *domain.Account) error {
	if err := m.accounts.Update(ctx, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func (m Manager) FindById(ctx context.Context, id domain.AccountIdentifier) (*domain.Account, error) {
	return m.accounts.FindById(ctx, id)
}

func (m Manager) FindByName(ctx context.Context, userName string) (*domain.Account, error) {
	return m.accounts.FindByName(ctx, userName)
}

func (m Manager) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return m.accounts.FindByEmail(ctx, email)
}

func (m Manager) FindByLogin(ctx context.Context, provider, providerKey string) (*domain.Account, error) {
	return m.accounts.FindByLogin(ctx, provider, providerKey)
}

// endregion accounts

// region passwords

func (m Manager) CheckPassword(account *domain.Account, password string) bool {
	return account.HasPassword() && m.hasher.Verify(account.GetPasswordHash(), password)
}

// PasswordSignIn verifies the credentials of the account with the given user name. Failed attempts count towards
// the lockout threshold, a successful attempt resets the counter.
func (m Manager) PasswordSignIn(ctx context.Context, userName, password string) (*domain.Account, error) {
	account, err := m.accounts.FindByName(ctx, userName)
	if errors.Is(err, domain.ErrNotFound) {
		m.publish(ctx, app.TopicAuthLoginFailed, app.AuthEvent{UserName: userName, Error: ErrInvalidPassword.Error()})
		return nil, ErrInvalidPassword
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if m.IsLockedOut(account) {
		m.publishLoginFailure(ctx, account, ErrLockedOut)
		return nil, ErrLockedOut
	}

	if !m.CheckPassword(account, password) {
		if err := m.AccessFailed(ctx, account); err != nil {
			return nil, err
		}
		if m.IsLockedOut(account) {
			m.publishLoginFailure(ctx, account, ErrLockedOut)
			return nil, ErrLockedOut
		}
		m.publishLoginFailure(ctx, account, ErrInvalidPassword)
		return nil, ErrInvalidPassword
	}

	if account.GetAccessFailedCount() > 0 {
		if err := m.accounts.ResetAccessFailedCount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to reset access failed count: %w", err)
		}
	}

	m.publish(ctx, app.TopicAuthLogin, app.AuthEvent{AccountId: account.Identifier, UserName: account.UserName})

	return account, nil
}

// ChangePassword replaces the password after verifying the current one.
func (m Manager) ChangePassword(ctx context.Context, account *domain.Account, current, password string) error {
	if !m.CheckPassword(account, current) {
		return ErrInvalidPassword
	}

	return m.updatePassword(ctx, account, password)
}

// AddPassword sets a password for an account that has none yet.
func (m Manager) AddPassword(ctx context.Context, account *domain.Account, password string) error {
	if account.HasPassword() {
		return domain.NewValidationError("Password", "account already has a password")
	}

	return m.updatePassword(ctx, account, password)
}

func (m Manager) RemovePassword(ctx context.Context, account *domain.Account) error {
	account.SetPasswordHash("")
	return m.UpdateSecurityStamp(ctx, account)
}

// UpdateSecurityStamp rotates the security stamp, invalidating all outstanding tokens.
func (m Manager) UpdateSecurityStamp(ctx context.Context, account *domain.Account) error {
	account.SetSecurityStamp(uuid.NewString())
	return m.Update(ctx, account)
}

func (m Manager) updatePassword(ctx context.Context, account *domain.Account, password string) error {
	hash, err := m.hashPassword(password)
	if err != nil {
		return err
	}

	account.SetPasswordHash(hash)
	if err := m.UpdateSecurityStamp(ctx, account); err != nil {
		return err
	}

	m.publish(ctx, app.TopicAccountPasswordChanged, app.NewAccountEvent(account))

	return nil
}

func (m Manager) hashPassword(password string) (string, error) {
	if len([]rune(password)) < m.cfg.MinPasswordLength {
		return "", fmt.Errorf("%w: at least %d characters are required", ErrPasswordTooWeak, m.cfg.MinPasswordLength)
	}

	hash, err := m.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	return hash, nil
}

// endregion passwords

// region lockout

func (m Manager) IsLockedOut(account *domain.Account) bool {
	return account.IsLockedOut(m.now())
}

// AccessFailed records a failed access attempt. Reaching the configured threshold locks the account for the
// configured duration and resets the counter.
func (m Manager) AccessFailed(ctx context.Context, account *domain.Account) error {
	count, err := m.accounts.IncrementAccessFailedCount(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to increment access failed count: %w", err)
	}

	if !account.GetLockoutEnabled() || count < m.cfg.MaxFailedAccessAttempts {
		return nil
	}

	before := account.Clone()
	end := m.now().Add(m.cfg.LockoutDuration)
	err = m.accounts.RunInTx(ctx, func(ctx context.Context) error {
		account.SetLockoutEnd(&end)
		if err := m.Update(ctx, account); err != nil {
			return err
		}
		if err := m.accounts.ResetAccessFailedCount(ctx, account); err != nil {
			return fmt.Errorf("failed to reset access failed count: %w", err)
		}

		m.publish(ctx, app.TopicAccountLockedOut, app.NewAccountEvent(account))
		return nil
	})
	if err != nil {
		*account = *before // the rolled back update rotated the concurrency stamp
		return err
	}

	slog.InfoContext(ctx, "account locked out", "account", account.Identifier, "until", end)

	return nil
}

func (m Manager) ResetAccessFailedCount(ctx context.Context, account *domain.Account) error {
	return m.accounts.ResetAccessFailedCount(ctx, account)
}

func (m Manager) SetLockoutEnabled(ctx context.Context, account *domain.Account, enabled bool) error {
	account.SetLockoutEnabled(enabled)
	return m.Update(ctx, account)
}

// SetLockoutEnd locks the account until the given time. A nil end unlocks it.
func (m Manager) SetLockoutEnd(ctx context.Context, account *domain.Account, end *time.Time) error {
	if !account.GetLockoutEnabled() {
		return domain.NewValidationError("LockoutEnd", "lockout is not enabled for this account")
	}

	account.SetLockoutEnd(end)
	return m.Update(ctx, account)
}

// endregion lockout

// region tokens

func (m Manager) GeneratePasswordResetToken(account *domain.Account) (string, error) {
	return m.tokens.Generate(purposeResetPassword, account)
}

// ResetPassword sets a new password if the token is valid. The token is consumed, since the security stamp changes.
func (m Manager) ResetPassword(ctx context.Context, account *domain.Account, token, password string) error {
	if !m.tokens.Validate(purposeResetPassword, token, account) {
		return ErrInvalidToken
	}

	return m.updatePassword(ctx, account, password)
}

// GenerateEmailConfirmationToken issues a token bound to the current email address.
func (m Manager) GenerateEmailConfirmationToken(account *domain.Account) (string, error) {
	if account.Email == "" {
		return "", domain.NewValidationError("Email", "account has no email address")
	}
	return m.tokens.Generate(emailConfirmationPurpose(account), account)
}

func (m Manager) ConfirmEmail(ctx context.Context, account *domain.Account, token string) error {
	if account.Email == "" || !m.tokens.Validate(emailConfirmationPurpose(account), token, account) {
		return ErrInvalidToken
	}

	account.SetEmailConfirmed(true)
	return m.Update(ctx, account)
}

func emailConfirmationPurpose(account *domain.Account) string {
	return purposeEmailConfirmation + ":" + account.NormalizedEmail
}

// endregion tokens

// region roles, claims and logins

func (m Manager) CreateRole(ctx context.Context, name string) (*domain.Role, error) {
	role := domain.NewRole(name)
	if err := m.roles.Create(ctx, role); err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}
	return role, nil
}

func (m Manager) FindRole(ctx context.Context, name string) (*domain.Role, error) {
	return m.roles.FindByName(ctx, name)
}

// DeleteRole removes the role. Its members only lose the membership.
func (m Manager) DeleteRole(ctx context.Context, name string) error {
	role, err := m.roles.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if err := m.roles.Delete(ctx, role); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

func (m Manager) AddToRole(ctx context.Context, account *domain.Account, roleName string) error {
	return m.accounts.AddToRole(ctx, account, roleName)
}

func (m Manager) RemoveFromRole(ctx context.Context, account *domain.Account, roleName string) error {
	return m.accounts.RemoveFromRole(ctx, account, roleName)
}

func (m Manager) IsInRole(ctx context.Context, account *domain.Account, roleName string) (bool, error) {
	return m.accounts.IsInRole(ctx, account, roleName)
}

func (m Manager) AddClaim(ctx context.Context, account *domain.Account, claim domain.Claim) error {
	return m.accounts.AddClaim(ctx, account, claim)
}

func (m Manager) RemoveClaim(ctx context.Context, account *domain.Account, claim domain.Claim) error {
	return m.accounts.RemoveClaim(ctx, account, claim)
}

func (m Manager) AddLogin(ctx context.Context, account *domain.Account, login domain.ExternalLogin) error {
	return m.accounts.AddLogin(ctx, account, login)
}

func (m Manager) RemoveLogin(ctx context.Context, account *domain.Account, provider, providerKey string) error {
	return m.accounts.RemoveLogin(ctx, account, provider, providerKey)
}

// endregion roles, claims and logins

// publish sends the event once the transaction the call is enlisted in has committed.
func (m Manager) publish(ctx context.Context, topic string, payload any) {
	m.accounts.AfterCommit(ctx, func() {
		m.bus.Publish(topic, payload)
	})
}

func (m Manager) publishLoginFailure(ctx context.Context, account *domain.Account, reason error) {
	m.publish(ctx, app.TopicAuthLoginFailed, app.AuthEvent{
		AccountId: account.Identifier,
		UserName:  account.UserName,
		Error:     reason.Error(),
	})
}
