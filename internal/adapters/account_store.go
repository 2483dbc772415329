package adapters

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/h44z/identity-store/internal/domain"
)

const accountStoreName = "account"

// accountUpdateColumns lists the columns written by AccountStore.Update. The access failed counter is missing on
// purpose, it is only changed by the atomic increment and reset operations.
var accountUpdateColumns = []string{
	"user_name", "normalized_user_name",
	"email", "normalized_email", "email_confirmed",
	"password_hash", "security_stamp", "concurrency_stamp",
	"phone_number", "phone_number_confirmed", "two_factor_enabled",
	"lockout_enabled", "lockout_end",
	"updated_by", "updated_at",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// AccountStore persists accounts together with their claims, external logins and role links.
type AccountStore struct {
	session *Session
}

func NewAccountStore(session *Session) *AccountStore {
	return &AccountStore{session: session}
}

// region lifecycle

// Create inserts a transient account including all claims, logins and roles held in memory.
// A missing role fails the whole operation with a NotFoundError.
func (s *AccountStore) Create(ctx context.Context, account *domain.Account) error {
	if account == nil {
		return domain.NewValidationError("", "account must not be nil")
	}

	account.Normalize()
	if err := validateStruct(account); err != nil {
		return err
	}

	restore := captureAccountState(account)
	if account.Identifier == "" {
		account.Identifier = domain.AccountIdentifier(uuid.NewString())
	}
	if account.SecurityStamp == "" {
		account.SecurityStamp = uuid.NewString()
	}
	account.ConcurrencyStamp = uuid.NewString()
	account.Touch(domain.GetUserInfo(ctx), time.Now())

	err := s.session.mutate(ctx, accountStoreName, "create", func(tx *gorm.DB) error {
		if err := ensureUniqueUserName(tx, account); err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Create(account).Error; err != nil {
			return translateError(err, "UserName")
		}

		return reconcileCollections(tx, account)
	})
	if err != nil {
		restore()
		return err
	}

	s.session.refreshAccount(account)

	return nil
}

// Update writes the scalar fields of the account and reconciles its claims, logins and roles with the persisted
// state. It fails with a ConflictError if the account was changed since it was loaded.
func (s *AccountStore) Update(ctx context.Context, account *domain.Account) error {
	if account == nil || account.IsTransient() {
		return domain.NewNotFoundError("account", "")
	}

	account.Normalize()
	if err := validateStruct(account); err != nil {
		return err
	}

	expectedStamp := account.ConcurrencyStamp
	restore := captureAccountState(account)
	account.ConcurrencyStamp = uuid.NewString()
	account.Touch(domain.GetUserInfo(ctx), time.Now())

	err := s.session.mutate(ctx, accountStoreName, "update", func(tx *gorm.DB) error {
		if err := updateAccount(tx, account, expectedStamp); err != nil {
			return err
		}

		return reconcileCollections(tx, account)
	})
	if err != nil {
		restore()
		return err
	}

	s.session.refreshAccount(account)

	return nil
}

// Delete removes the account with all claims, logins and role links. Roles are never touched.
func (s *AccountStore) Delete(ctx context.Context, account *domain.Account) error {
	if account == nil || account.IsTransient() {
		return domain.NewNotFoundError("account", "")
	}
	id := account.Identifier

	err := s.session.mutate(ctx, accountStoreName, "delete", func(tx *gorm.DB) error {
		if err := tx.Where("account_identifier = ?", id).Delete(&domain.Claim{}).Error; err != nil {
			return fmt.Errorf("failed to delete claims: %w", err)
		}
		if err := tx.Where("account_identifier = ?", id).Delete(&domain.ExternalLogin{}).Error; err != nil {
			return fmt.Errorf("failed to delete logins: %w", err)
		}
		if err := tx.Where("account_identifier = ?", id).Delete(&domain.AccountRole{}).Error; err != nil {
			return fmt.Errorf("failed to delete role links: %w", err)
		}

		res := tx.Where("identifier = ?", id).Delete(&domain.Account{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete account: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.NewNotFoundError("account", string(id))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.session.evictAccount(id)

	return nil
}

// RunInTx runs fn inside a single transaction of the session, see Session.RunInTx.
func (s *AccountStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.session.RunInTx(ctx, fn)
}

// AfterCommit defers fn until the transaction the call is enlisted in commits, see Session.AfterCommit.
func (s *AccountStore) AfterCommit(ctx context.Context, fn func()) {
	s.session.AfterCommit(ctx, fn)
}

// endregion lifecycle

// region finders

// FindById returns the account or a NotFoundError. Accounts already tracked by the session are returned as is once
// their row is confirmed to exist, a tracked account whose row is gone is evicted.
func (s *AccountStore) FindById(ctx context.Context, id domain.AccountIdentifier) (*domain.Account, error) {
	if account, ok := s.session.trackedAccount(id); ok {
		err := s.session.query(ctx, accountStoreName, "find_by_id", func(db *gorm.DB) error {
			return ensureAccountExists(db, id)
		})
		if errors.Is(err, domain.ErrNotFound) {
			s.session.evictAccount(id)
		}
		if err != nil {
			return nil, err
		}
		return account, nil
	}

	return s.findOne(ctx, "find_by_id", string(id), func(db *gorm.DB) *gorm.DB {
		return db.Where("identifier = ?", id)
	})
}

// FindByName looks up an account by user name, ignoring case.
func (s *AccountStore) FindByName(ctx context.Context, userName string) (*domain.Account, error) {
	return s.findOne(ctx, "find_by_name", userName, func(db *gorm.DB) *gorm.DB {
		return db.Where("normalized_user_name = ?", domain.NormalizeKey(userName))
	})
}

// FindByEmail looks up an account by email, ignoring case. Emails are not unique, if multiple accounts share the
// email an error wrapping domain.ErrNotUnique is returned.
func (s *AccountStore) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	normalized := domain.NormalizeKey(email)
	if normalized == "" {
		return nil, domain.NewNotFoundError("account", email)
	}

	return s.findOne(ctx, "find_by_email", email, func(db *gorm.DB) *gorm.DB {
		return db.Where("normalized_email = ?", normalized)
	})
}

// FindByLogin returns the account owning the external login.
func (s *AccountStore) FindByLogin(ctx context.Context, provider, providerKey string) (*domain.Account, error) {
	return s.findOne(ctx, "find_by_login", provider+"/"+providerKey, func(db *gorm.DB) *gorm.DB {
		return db.Joins("JOIN account_logins ON account_logins.account_identifier = accounts.identifier").
			Where("account_logins.provider = ? AND account_logins.provider_key = ?", provider, providerKey)
	})
}

// UsersInRole returns all accounts linked to the role. A missing role yields a NotFoundError.
func (s *AccountStore) UsersInRole(ctx context.Context, roleName string) ([]*domain.Account, error) {
	var accounts []domain.Account
	err := s.session.query(ctx, accountStoreName, "users_in_role", func(db *gorm.DB) error {
		roles, err := resolveRoles(db, []string{roleName})
		if err != nil {
			return err
		}

		err = db.Scopes(preloadCollections).
			Joins("JOIN account_roles ON account_roles.account_identifier = accounts.identifier").
			Where("account_roles.role_identifier = ?", roles[0].Identifier).
			Order("accounts.normalized_user_name").
			Find(&accounts).Error
		if err != nil {
			return err
		}

		return loadRoleNames(db, accounts)
	})
	if err != nil {
		return nil, err
	}

	return s.attachAll(accounts), nil
}

// UsersForClaim returns all accounts holding a claim with the same type and value.
func (s *AccountStore) UsersForClaim(ctx context.Context, claim domain.Claim) ([]*domain.Account, error) {
	var accounts []domain.Account
	err := s.session.query(ctx, accountStoreName, "users_for_claim", func(db *gorm.DB) error {
		err := db.Scopes(preloadCollections).
			Joins("JOIN account_claims ON account_claims.account_identifier = accounts.identifier").
			Where("account_claims.claim_type = ? AND account_claims.claim_value = ?", claim.Type, claim.Value).
			Order("accounts.normalized_user_name").
			Find(&accounts).Error
		if err != nil {
			return err
		}

		return loadRoleNames(db, accounts)
	})
	if err != nil {
		return nil, err
	}

	return s.attachAll(accounts), nil
}

// Users lazily iterates all accounts matching the scopes. Rows are fetched in batches, each yielded account is
// complete, including claims, logins and role names.
func (s *AccountStore) Users(ctx context.Context, scopes ...Scope) iter.Seq2[*domain.Account, error] {
	return func(yield func(*domain.Account, error) bool) {
		start := time.Now()
		conn, _, err := s.session.conn(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		var batch []domain.Account
		res := conn.Model(&domain.Account{}).Scopes(scopes...).Scopes(preloadCollections).
			FindInBatches(&batch, s.session.batchSize, func(_ *gorm.DB, _ int) error {
				if err := loadRoleNames(conn, batch); err != nil {
					return err
				}
				for i := range batch {
					account := batch[i] // the batch buffer is reused
					if !yield(s.session.attachAccount(&account), nil) {
						return errStopIteration
					}
				}
				return nil
			})

		err = res.Error
		if errors.Is(err, errStopIteration) {
			err = nil
		}
		s.session.metrics.observe(accountStoreName, "users", start, err)
		if err != nil {
			yield(nil, err)
		}
	}
}

func (s *AccountStore) findOne(ctx context.Context, operation, key string, scope Scope) (*domain.Account, error) {
	var accounts []domain.Account
	err := s.session.query(ctx, accountStoreName, operation, func(db *gorm.DB) error {
		if err := db.Scopes(scope, preloadCollections).Limit(2).Find(&accounts).Error; err != nil {
			return err
		}

		switch len(accounts) {
		case 0:
			return domain.NewNotFoundError("account", key)
		case 1:
			return loadRoleNames(db, accounts)
		default:
			return fmt.Errorf("multiple accounts match %q: %w", key, domain.ErrNotUnique)
		}
	})
	if err != nil {
		return nil, err
	}

	return s.session.attachAccount(&accounts[0]), nil
}

func (s *AccountStore) attachAll(accounts []domain.Account) []*domain.Account {
	result := make([]*domain.Account, len(accounts))
	for i := range accounts {
		result[i] = s.session.attachAccount(&accounts[i])
	}
	return result
}

// endregion finders

// region logins

// AddLogin links an external login to the account. For persisted accounts the link is written immediately, a login
// already owned by another account is rejected with a ValidationError.
func (s *AccountStore) AddLogin(ctx context.Context, account *domain.Account, login domain.ExternalLogin) error {
	if login.Provider == "" || login.ProviderKey == "" {
		return domain.NewValidationError("Login", "provider and provider key are required")
	}

	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "add_login", func(tx *gorm.DB) error {
			if err := ensureAccountExists(tx, account.Identifier); err != nil {
				return err
			}
			linked, err := ensureLoginAvailable(tx, login, account.Identifier)
			if err != nil || linked {
				return err
			}

			login.AccountIdentifier = account.Identifier
			return translateError(tx.Create(&login).Error, "Login")
		})
		if err != nil {
			return err
		}
	}

	login.AccountIdentifier = account.Identifier
	if !account.HasLogin(login) {
		account.Logins = append(account.Logins, login)
	}
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		if !snapshot.HasLogin(login) {
			snapshot.Logins = append(snapshot.Logins, login)
		}
	})

	return nil
}

// RemoveLogin unlinks the external login. Removing a login the account does not have is a no-op.
func (s *AccountStore) RemoveLogin(ctx context.Context, account *domain.Account, provider, providerKey string) error {
	login := domain.NewExternalLogin(provider, providerKey)

	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "remove_login", func(tx *gorm.DB) error {
			return tx.Where("account_identifier = ? AND provider = ? AND provider_key = ?",
				account.Identifier, provider, providerKey).Delete(&domain.ExternalLogin{}).Error
		})
		if err != nil {
			return err
		}
	}

	account.RemoveLogin(login)
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		snapshot.RemoveLogin(login)
	})

	return nil
}

// GetLogins returns the external logins of the account.
func (s *AccountStore) GetLogins(ctx context.Context, account *domain.Account) ([]domain.ExternalLogin, error) {
	if account.IsTransient() {
		return slices.Clone(account.Logins), nil
	}

	var logins []domain.ExternalLogin
	err := s.session.query(ctx, accountStoreName, "get_logins", func(db *gorm.DB) error {
		return db.Where("account_identifier = ?", account.Identifier).
			Order("provider, provider_key").Find(&logins).Error
	})
	if err != nil {
		return nil, err
	}

	return logins, nil
}

// endregion logins

// region claims

// AddClaim adds the claim unless the account already holds a claim with the same type and value.
func (s *AccountStore) AddClaim(ctx context.Context, account *domain.Account, claim domain.Claim) error {
	if claim.Type == "" {
		return domain.NewValidationError("Claim", "claim type is required")
	}
	claim.Id = 0
	claim.AccountIdentifier = account.Identifier

	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "add_claim", func(tx *gorm.DB) error {
			if err := ensureAccountExists(tx, account.Identifier); err != nil {
				return err
			}
			return addClaim(tx, &claim)
		})
		if err != nil {
			return err
		}
	}

	if !account.HasClaim(claim) {
		account.Claims = append(account.Claims, claim)
	}
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		if !snapshot.HasClaim(claim) {
			snapshot.Claims = append(snapshot.Claims, claim)
		}
	})

	return nil
}

// RemoveClaim removes all claims of the account with the same type and value. Removing a claim the account does not
// hold is a no-op.
func (s *AccountStore) RemoveClaim(ctx context.Context, account *domain.Account, claim domain.Claim) error {
	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "remove_claim", func(tx *gorm.DB) error {
			return removeClaim(tx, account.Identifier, claim)
		})
		if err != nil {
			return err
		}
	}

	account.RemoveClaim(claim)
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		snapshot.RemoveClaim(claim)
	})

	return nil
}

// ReplaceClaim swaps a claim for another one in a single atomic step.
func (s *AccountStore) ReplaceClaim(ctx context.Context, account *domain.Account, oldClaim, newClaim domain.Claim) error {
	if newClaim.Type == "" {
		return domain.NewValidationError("Claim", "claim type is required")
	}
	newClaim.Id = 0
	newClaim.AccountIdentifier = account.Identifier

	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "replace_claim", func(tx *gorm.DB) error {
			if err := ensureAccountExists(tx, account.Identifier); err != nil {
				return err
			}
			if err := removeClaim(tx, account.Identifier, oldClaim); err != nil {
				return err
			}
			return addClaim(tx, &newClaim)
		})
		if err != nil {
			return err
		}
	}

	account.RemoveClaim(oldClaim)
	if !account.HasClaim(newClaim) {
		account.Claims = append(account.Claims, newClaim)
	}
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		snapshot.RemoveClaim(oldClaim)
		if !snapshot.HasClaim(newClaim) {
			snapshot.Claims = append(snapshot.Claims, newClaim)
		}
	})

	return nil
}

// GetClaims returns the claims of the account.
func (s *AccountStore) GetClaims(ctx context.Context, account *domain.Account) ([]domain.Claim, error) {
	if account.IsTransient() {
		return slices.Clone(account.Claims), nil
	}

	var claims []domain.Claim
	err := s.session.query(ctx, accountStoreName, "get_claims", func(db *gorm.DB) error {
		return db.Where("account_identifier = ?", account.Identifier).Order("id").Find(&claims).Error
	})
	if err != nil {
		return nil, err
	}

	return claims, nil
}

// endregion claims

// region roles

// AddToRole links the account to an existing role. A missing role yields a NotFoundError and leaves the account
// unchanged, adding a role twice is a no-op.
func (s *AccountStore) AddToRole(ctx context.Context, account *domain.Account, roleName string) error {
	var role domain.Role

	if account.IsTransient() {
		err := s.session.query(ctx, accountStoreName, "add_to_role", func(db *gorm.DB) error {
			roles, err := resolveRoles(db, []string{roleName})
			if err != nil {
				return err
			}
			role = roles[0]
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		err := s.session.mutate(ctx, accountStoreName, "add_to_role", func(tx *gorm.DB) error {
			roles, err := resolveRoles(tx, []string{roleName})
			if err != nil {
				return err
			}
			role = roles[0]

			if err := ensureAccountExists(tx, account.Identifier); err != nil {
				return err
			}

			var count int64
			err = tx.Model(&domain.AccountRole{}).
				Where("account_identifier = ? AND role_identifier = ?", account.Identifier, role.Identifier).
				Count(&count).Error
			if err != nil || count > 0 {
				return err
			}

			link := domain.AccountRole{AccountIdentifier: account.Identifier, RoleIdentifier: role.Identifier}
			return translateError(tx.Create(&link).Error, "Role")
		})
		if err != nil {
			return err
		}
	}

	if !account.HasRole(role.Name) {
		account.Roles = append(account.Roles, role.Name)
	}
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		if !snapshot.HasRole(role.Name) {
			snapshot.Roles = append(snapshot.Roles, role.Name)
		}
	})

	return nil
}

// RemoveFromRole unlinks the account from the role. The role itself and its other members are untouched. Removing
// a role the account is not in, or a role that does not exist, is a no-op.
func (s *AccountStore) RemoveFromRole(ctx context.Context, account *domain.Account, roleName string) error {
	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "remove_from_role", func(tx *gorm.DB) error {
			var roles []domain.Role
			err := tx.Where("normalized_name = ?", domain.NormalizeKey(roleName)).Limit(1).Find(&roles).Error
			if err != nil || len(roles) == 0 {
				return err
			}

			return tx.Where("account_identifier = ? AND role_identifier = ?", account.Identifier, roles[0].Identifier).
				Delete(&domain.AccountRole{}).Error
		})
		if err != nil {
			return err
		}
	}

	account.RemoveRole(roleName)
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		snapshot.RemoveRole(roleName)
	})

	return nil
}

// IsInRole checks the role membership, ignoring case. Persisted accounts are checked against the database.
func (s *AccountStore) IsInRole(ctx context.Context, account *domain.Account, roleName string) (bool, error) {
	if account.IsTransient() {
		return account.HasRole(roleName), nil
	}

	var count int64
	err := s.session.query(ctx, accountStoreName, "is_in_role", func(db *gorm.DB) error {
		return db.Model(&domain.AccountRole{}).
			Joins("JOIN roles ON roles.identifier = account_roles.role_identifier").
			Where("account_roles.account_identifier = ? AND roles.normalized_name = ?",
				account.Identifier, domain.NormalizeKey(roleName)).
			Count(&count).Error
	})
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// GetRoles returns the role names of the account.
func (s *AccountStore) GetRoles(ctx context.Context, account *domain.Account) ([]string, error) {
	if account.IsTransient() {
		return slices.Clone(account.Roles), nil
	}

	accounts := []domain.Account{{Identifier: account.Identifier}}
	err := s.session.query(ctx, accountStoreName, "get_roles", func(db *gorm.DB) error {
		return loadRoleNames(db, accounts)
	})
	if err != nil {
		return nil, err
	}

	return accounts[0].Roles, nil
}

// endregion roles

// region lockout

// IncrementAccessFailedCount atomically increments the persisted counter and returns the new value.
func (s *AccountStore) IncrementAccessFailedCount(ctx context.Context, account *domain.Account) (int, error) {
	if account.IsTransient() {
		account.AccessFailedCount++
		return account.AccessFailedCount, nil
	}

	var counts []int
	err := s.session.mutate(ctx, accountStoreName, "increment_access_failed_count", func(tx *gorm.DB) error {
		res := tx.Model(&domain.Account{}).Where("identifier = ?", account.Identifier).
			UpdateColumn("access_failed_count", gorm.Expr("access_failed_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.NewNotFoundError("account", string(account.Identifier))
		}

		return tx.Model(&domain.Account{}).Where("identifier = ?", account.Identifier).
			Pluck("access_failed_count", &counts).Error
	})
	if err != nil {
		return 0, err
	}
	if len(counts) != 1 {
		return 0, domain.NewNotFoundError("account", string(account.Identifier))
	}

	account.AccessFailedCount = counts[0]
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		snapshot.AccessFailedCount = counts[0]
	})

	return counts[0], nil
}

// ResetAccessFailedCount sets the persisted counter back to zero.
func (s *AccountStore) ResetAccessFailedCount(ctx context.Context, account *domain.Account) error {
	if !account.IsTransient() {
		err := s.session.mutate(ctx, accountStoreName, "reset_access_failed_count", func(tx *gorm.DB) error {
			res := tx.Model(&domain.Account{}).Where("identifier = ?", account.Identifier).
				UpdateColumn("access_failed_count", 0)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.NewNotFoundError("account", string(account.Identifier))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	account.AccessFailedCount = 0
	s.session.markAccountClean(account, func(snapshot *domain.Account) {
		snapshot.AccessFailedCount = 0
	})

	return nil
}

// endregion lockout

// region helpers

// captureAccountState returns a function that puts back the fields Create and Update change before writing,
// including the collections rewritten by the reconciliation.
func captureAccountState(account *domain.Account) func() {
	identifier := account.Identifier
	securityStamp := account.SecurityStamp
	concurrencyStamp := account.ConcurrencyStamp
	base := account.BaseModel
	claims := slices.Clone(account.Claims)
	logins := slices.Clone(account.Logins)
	roles := slices.Clone(account.Roles)

	return func() {
		account.Identifier = identifier
		account.SecurityStamp = securityStamp
		account.ConcurrencyStamp = concurrencyStamp
		account.BaseModel = base
		account.Claims = claims
		account.Logins = logins
		account.Roles = roles
	}
}

func preloadCollections(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Claims", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Preload("Logins", func(db *gorm.DB) *gorm.DB { return db.Order("provider, provider_key") })
}

// loadRoleNames fills the Roles field of all given accounts with a single query.
func loadRoleNames(db *gorm.DB, accounts []domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}

	ids := make([]domain.AccountIdentifier, len(accounts))
	for i := range accounts {
		ids[i] = accounts[i].Identifier
	}

	var rows []struct {
		AccountIdentifier domain.AccountIdentifier
		Name              string
	}
	err := db.Table("account_roles").
		Select("account_roles.account_identifier, roles.name").
		Joins("JOIN roles ON roles.identifier = account_roles.role_identifier").
		Where("account_roles.account_identifier IN ?", ids).
		Order("roles.normalized_name").
		Scan(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to load role names: %w", err)
	}

	names := make(map[domain.AccountIdentifier][]string, len(accounts))
	for _, row := range rows {
		names[row.AccountIdentifier] = append(names[row.AccountIdentifier], row.Name)
	}
	for i := range accounts {
		accounts[i].Roles = names[accounts[i].Identifier]
	}

	return nil
}

// resolveRoles loads the roles with the given names, in order and without duplicates.
func resolveRoles(db *gorm.DB, names []string) ([]domain.Role, error) {
	requested := make(map[string]string, len(names)) // normalized -> name as given
	normalized := make([]string, 0, len(names))
	for _, name := range names {
		key := domain.NormalizeKey(name)
		if _, ok := requested[key]; !ok {
			requested[key] = name
			normalized = append(normalized, key)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	var found []domain.Role
	if err := db.Where("normalized_name IN ?", normalized).Find(&found).Error; err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}

	roles := make([]domain.Role, 0, len(normalized))
	for _, key := range normalized {
		idx := slices.IndexFunc(found, func(r domain.Role) bool { return r.NormalizedName == key })
		if idx < 0 {
			return nil, domain.NewNotFoundError("role", requested[key])
		}
		roles = append(roles, found[idx])
	}

	return roles, nil
}

func updateAccount(tx *gorm.DB, account *domain.Account, expectedStamp string) error {
	if err := ensureUniqueUserName(tx, account); err != nil {
		return err
	}

	res := tx.Model(account).
		Where("concurrency_stamp = ?", expectedStamp).
		Select(accountUpdateColumns).
		Updates(account)
	if res.Error != nil {
		return translateError(res.Error, "UserName")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	if err := ensureAccountExists(tx, account.Identifier); err != nil {
		return err
	}
	return domain.NewConflictError("account", string(account.Identifier))
}

func reconcileCollections(tx *gorm.DB, account *domain.Account) error {
	if err := reconcileClaims(tx, account); err != nil {
		return err
	}
	if err := reconcileLogins(tx, account); err != nil {
		return err
	}
	return reconcileRoles(tx, account)
}

func reconcileClaims(tx *gorm.DB, account *domain.Account) error {
	var persisted []domain.Claim
	if err := tx.Where("account_identifier = ?", account.Identifier).Order("id").Find(&persisted).Error; err != nil {
		return fmt.Errorf("failed to load claims: %w", err)
	}

	added, removed := domain.Diff(persisted, account.Claims, domain.Claim.Key)

	if len(removed) > 0 {
		ids := make([]uint64, len(removed))
		for i := range removed {
			ids[i] = removed[i].Id
		}
		if err := tx.Where("id IN ?", ids).Delete(&domain.Claim{}).Error; err != nil {
			return fmt.Errorf("failed to delete claims: %w", err)
		}
	}

	for i := range added {
		if added[i].Type == "" {
			return domain.NewValidationError("Claim", "claim type is required")
		}
		added[i].Id = 0
		added[i].AccountIdentifier = account.Identifier
	}
	if len(added) > 0 {
		if err := tx.Create(&added).Error; err != nil {
			return fmt.Errorf("failed to insert claims: %w", translateError(err, "Claim"))
		}
	}

	kept := slices.DeleteFunc(persisted, func(c domain.Claim) bool {
		return slices.ContainsFunc(removed, func(r domain.Claim) bool { return r.Id == c.Id })
	})
	account.Claims = slices.Concat(kept, added)

	return nil
}

func reconcileLogins(tx *gorm.DB, account *domain.Account) error {
	var persisted []domain.ExternalLogin
	err := tx.Where("account_identifier = ?", account.Identifier).Order("provider, provider_key").
		Find(&persisted).Error
	if err != nil {
		return fmt.Errorf("failed to load logins: %w", err)
	}

	added, removed := domain.Diff(persisted, account.Logins, domain.ExternalLogin.Key)

	for _, login := range removed {
		err := tx.Where("account_identifier = ? AND provider = ? AND provider_key = ?",
			account.Identifier, login.Provider, login.ProviderKey).Delete(&domain.ExternalLogin{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete login: %w", err)
		}
	}

	for i := range added {
		if added[i].Provider == "" || added[i].ProviderKey == "" {
			return domain.NewValidationError("Login", "provider and provider key are required")
		}
		if _, err := ensureLoginAvailable(tx, added[i], account.Identifier); err != nil {
			return err
		}
		added[i].AccountIdentifier = account.Identifier
	}
	if len(added) > 0 {
		if err := tx.Create(&added).Error; err != nil {
			return fmt.Errorf("failed to insert logins: %w", translateError(err, "Login"))
		}
	}

	kept := slices.DeleteFunc(persisted, func(l domain.ExternalLogin) bool {
		return slices.ContainsFunc(removed, func(r domain.ExternalLogin) bool { return r.Key() == l.Key() })
	})
	account.Logins = slices.Concat(kept, added)

	return nil
}

func reconcileRoles(tx *gorm.DB, account *domain.Account) error {
	roles, err := resolveRoles(tx, account.Roles)
	if err != nil {
		return err
	}

	var persisted []domain.AccountRole
	if err := tx.Where("account_identifier = ?", account.Identifier).Find(&persisted).Error; err != nil {
		return fmt.Errorf("failed to load role links: %w", err)
	}

	desired := make([]domain.AccountRole, len(roles))
	names := make([]string, len(roles))
	for i, role := range roles {
		desired[i] = domain.AccountRole{AccountIdentifier: account.Identifier, RoleIdentifier: role.Identifier}
		names[i] = role.Name
	}

	added, removed := domain.Diff(persisted, desired, func(l domain.AccountRole) domain.RoleIdentifier {
		return l.RoleIdentifier
	})

	if len(removed) > 0 {
		ids := make([]domain.RoleIdentifier, len(removed))
		for i := range removed {
			ids[i] = removed[i].RoleIdentifier
		}
		err := tx.Where("account_identifier = ? AND role_identifier IN ?", account.Identifier, ids).
			Delete(&domain.AccountRole{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete role links: %w", err)
		}
	}
	if len(added) > 0 {
		if err := tx.Create(&added).Error; err != nil {
			return fmt.Errorf("failed to insert role links: %w", translateError(err, "Role"))
		}
	}

	account.Roles = names

	return nil
}

func addClaim(tx *gorm.DB, claim *domain.Claim) error {
	var count int64
	err := tx.Model(&domain.Claim{}).
		Where("account_identifier = ? AND claim_type = ? AND claim_value = ?",
			claim.AccountIdentifier, claim.Type, claim.Value).
		Count(&count).Error
	if err != nil || count > 0 {
		return err
	}

	return translateError(tx.Create(claim).Error, "Claim")
}

func removeClaim(tx *gorm.DB, id domain.AccountIdentifier, claim domain.Claim) error {
	return tx.Where("account_identifier = ? AND claim_type = ? AND claim_value = ?", id, claim.Type, claim.Value).
		Delete(&domain.Claim{}).Error
}

func ensureAccountExists(tx *gorm.DB, id domain.AccountIdentifier) error {
	var count int64
	if err := tx.Model(&domain.Account{}).Where("identifier = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.NewNotFoundError("account", string(id))
	}
	return nil
}

func ensureUniqueUserName(tx *gorm.DB, account *domain.Account) error {
	var count int64
	err := tx.Model(&domain.Account{}).
		Where("normalized_user_name = ? AND identifier <> ?", account.NormalizedUserName, account.Identifier).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return domain.NewValidationError("UserName", fmt.Sprintf("user name %q is already taken", account.UserName))
	}
	return nil
}

// ensureLoginAvailable returns true if the login is already linked to the given account and a ValidationError if
// it belongs to another account.
func ensureLoginAvailable(tx *gorm.DB, login domain.ExternalLogin, id domain.AccountIdentifier) (bool, error) {
	var existing []domain.ExternalLogin
	err := tx.Where("provider = ? AND provider_key = ?", login.Provider, login.ProviderKey).Limit(1).
		Find(&existing).Error
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, nil
	}
	if existing[0].AccountIdentifier != id {
		return false, domain.NewValidationError("Login",
			fmt.Sprintf("login %s/%s is linked to another account", login.Provider, login.ProviderKey))
	}
	return true, nil
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fe := fieldErrors[0]
		return domain.NewValidationError(fe.Field(), fmt.Sprintf("failed on the %q rule", fe.Tag()))
	}

	return domain.NewValidationError("", err.Error())
}

// translateError maps unique constraint violations to validation errors of the given field.
func translateError(err error, field string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.NewValidationError(field, "value is already in use")
	}
	return err
}

// endregion helpers
