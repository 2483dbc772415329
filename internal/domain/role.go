package domain

type RoleIdentifier string

// Role has a lifecycle independent of accounts. Account operations never delete roles.
type Role struct {
	BaseModel

	Identifier       RoleIdentifier `gorm:"primaryKey;column:identifier"`
	Name             string         `gorm:"column:name" validate:"required,max=256"`
	NormalizedName   string         `gorm:"column:normalized_name;uniqueIndex:idx_role_name"`
	ConcurrencyStamp string         `gorm:"column:concurrency_stamp"`
}

func NewRole(name string) *Role {
	r := &Role{Name: name}
	r.Normalize()
	return r
}

func (r *Role) IsTransient() bool {
	return r.Identifier == ""
}

func (r *Role) Normalize() {
	r.NormalizedName = NormalizeKey(r.Name)
}

func (r *Role) Clone() *Role {
	c := *r
	return &c
}
