package progression

import (
	"context"
)

// Snapshot - то, что хранится локально для одного ученика.
type Snapshot struct {
	Avatar AvatarState   `json:"avatar"`
	Stats  ActivityStats `json:"stats"`
}

// Repository хранит снимок прогресса. Реализуется в infrastructure.
type Repository interface {
	// Load возвращает сохранённый снимок или ErrNotFound.
	Load(ctx context.Context) (Snapshot, error)

	// Save сохраняет снимок целиком.
	Save(ctx context.Context, snap Snapshot) error
}
