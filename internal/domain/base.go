package domain

import (
	"time"
)

type BaseModel struct {
	CreatedBy string    `gorm:"column:created_by"`
	UpdatedBy string    `gorm:"column:updated_by"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// Touch stamps the model with the acting user. Creation fields are only set once.
func (b *BaseModel) Touch(ui *ContextUserInfo, now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
		b.CreatedBy = ui.UserId()
	}
	b.UpdatedAt = now
	b.UpdatedBy = ui.UserId()
}
