package adapters

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/h44z/identity-store/internal/domain"
)

const roleStoreName = "role"

// RoleStore persists roles. Roles live independently of accounts: deleting a role only removes its membership links.
type RoleStore struct {
	session *Session
}

func NewRoleStore(session *Session) *RoleStore {
	return &RoleStore{session: session}
}

func (s *RoleStore) Create(ctx context.Context, role *domain.Role) error {
	if role == nil {
		return domain.NewValidationError("", "role must not be nil")
	}

	role.Normalize()
	if err := validateStruct(role); err != nil {
		return err
	}

	newIdentifier := role.Identifier == ""
	if newIdentifier {
		role.Identifier = domain.RoleIdentifier(uuid.NewString())
	}
	role.ConcurrencyStamp = uuid.NewString()
	role.Touch(domain.GetUserInfo(ctx), time.Now())

	err := s.session.mutate(ctx, roleStoreName, "create", func(tx *gorm.DB) error {
		if err := ensureUniqueRoleName(tx, role); err != nil {
			return err
		}
		return translateError(tx.Create(role).Error, "Name")
	})
	if err != nil {
		if newIdentifier {
			role.Identifier = ""
		}
		return err
	}

	s.session.refreshRole(role)

	return nil
}

// Update writes the role name. Renames are reflected in the role names of accounts tracked by the session.
func (s *RoleStore) Update(ctx context.Context, role *domain.Role) error {
	if role == nil || role.IsTransient() {
		return domain.NewNotFoundError("role", "")
	}

	role.Normalize()
	if err := validateStruct(role); err != nil {
		return err
	}

	expectedStamp := role.ConcurrencyStamp
	previousBase := role.BaseModel
	role.ConcurrencyStamp = uuid.NewString()
	role.Touch(domain.GetUserInfo(ctx), time.Now())

	var previousNames []string
	err := s.session.mutate(ctx, roleStoreName, "update", func(tx *gorm.DB) error {
		if err := ensureUniqueRoleName(tx, role); err != nil {
			return err
		}

		err := tx.Model(&domain.Role{}).Where("identifier = ?", role.Identifier).Pluck("name", &previousNames).Error
		if err != nil {
			return err
		}
		if len(previousNames) == 0 {
			return domain.NewNotFoundError("role", string(role.Identifier))
		}

		res := tx.Model(role).
			Where("concurrency_stamp = ?", expectedStamp).
			Select("name", "normalized_name", "concurrency_stamp", "updated_by", "updated_at").
			Updates(role)
		if res.Error != nil {
			return translateError(res.Error, "Name")
		}
		if res.RowsAffected == 0 {
			return domain.NewConflictError("role", string(role.Identifier))
		}
		return nil
	})
	if err != nil {
		role.ConcurrencyStamp = expectedStamp
		role.BaseModel = previousBase
		return err
	}

	if previousNames[0] != role.Name {
		s.session.renameRoleInAccounts(previousNames[0], role.Name)
	}
	s.session.refreshRole(role)

	return nil
}

// Delete removes the role and all membership links. Member accounts stay untouched.
func (s *RoleStore) Delete(ctx context.Context, role *domain.Role) error {
	if role == nil || role.IsTransient() {
		return domain.NewNotFoundError("role", "")
	}
	id := role.Identifier

	var names []string
	err := s.session.mutate(ctx, roleStoreName, "delete", func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Role{}).Where("identifier = ?", id).Pluck("name", &names).Error; err != nil {
			return err
		}
		if len(names) == 0 {
			return domain.NewNotFoundError("role", string(id))
		}

		if err := tx.Where("role_identifier = ?", id).Delete(&domain.AccountRole{}).Error; err != nil {
			return fmt.Errorf("failed to delete role links: %w", err)
		}
		if err := tx.Where("identifier = ?", id).Delete(&domain.Role{}).Error; err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.session.renameRoleInAccounts(names[0], "")
	s.session.evictRole(id)

	return nil
}

func (s *RoleStore) FindById(ctx context.Context, id domain.RoleIdentifier) (*domain.Role, error) {
	if role, ok := s.session.trackedRole(id); ok {
		var count int64
		err := s.session.query(ctx, roleStoreName, "find_by_id", func(db *gorm.DB) error {
			return db.Model(&domain.Role{}).Where("identifier = ?", id).Count(&count).Error
		})
		if err != nil {
			return nil, err
		}
		if count == 0 {
			s.session.evictRole(id)
			return nil, domain.NewNotFoundError("role", string(id))
		}
		return role, nil
	}

	return s.findOne(ctx, "find_by_id", string(id), func(db *gorm.DB) *gorm.DB {
		return db.Where("identifier = ?", id)
	})
}

// FindByName looks up a role by name, ignoring case.
func (s *RoleStore) FindByName(ctx context.Context, name string) (*domain.Role, error) {
	return s.findOne(ctx, "find_by_name", name, func(db *gorm.DB) *gorm.DB {
		return db.Where("normalized_name = ?", domain.NormalizeKey(name))
	})
}

// Roles lazily iterates all roles matching the scopes.
func (s *RoleStore) Roles(ctx context.Context, scopes ...Scope) iter.Seq2[*domain.Role, error] {
	return func(yield func(*domain.Role, error) bool) {
		for role, err := range Query[domain.Role](ctx, s.session, scopes...) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(s.session.attachRole(role), nil) {
				return
			}
		}
	}
}

func (s *RoleStore) findOne(ctx context.Context, operation, key string, scope Scope) (*domain.Role, error) {
	var roles []domain.Role
	err := s.session.query(ctx, roleStoreName, operation, func(db *gorm.DB) error {
		if err := db.Scopes(scope).Limit(1).Find(&roles).Error; err != nil {
			return err
		}
		if len(roles) == 0 {
			return domain.NewNotFoundError("role", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.session.attachRole(&roles[0]), nil
}

func ensureUniqueRoleName(tx *gorm.DB, role *domain.Role) error {
	var count int64
	err := tx.Model(&domain.Role{}).
		Where("normalized_name = ? AND identifier <> ?", role.NormalizedName, role.Identifier).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return domain.NewValidationError("Name", fmt.Sprintf("role %q already exists", role.Name))
	}
	return nil
}
