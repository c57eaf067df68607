// Package directory resolves polymorphic entity references to the user who
// acts for them. Profiles and postings are owned by the CRUD side of the
// application; this service only reads the ownership mapping.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"courier-service/apperror"
	"courier-service/model"

	"gorm.io/gorm"
)

type Directory interface {
	Owner(ctx context.Context, ref model.EntityRef) (string, error)
	DisplayName(ctx context.Context, ref model.EntityRef) (string, error)
}

// Gorm reads the entity_owners table.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (d *Gorm) Owner(ctx context.Context, ref model.EntityRef) (string, error) {
	row, err := d.lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	return row.OwnerUserID, nil
}

func (d *Gorm) DisplayName(ctx context.Context, ref model.EntityRef) (string, error) {
	row, err := d.lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	switch ref.Kind {
	case model.KindProfile:
		return row.DisplayName, nil
	case model.KindPosting:
		if row.DisplayName == "" {
			return "posting " + ref.ID, nil
		}
		return row.DisplayName, nil
	}
	return "", fmt.Errorf("entity kind %q: %w", ref.Kind, apperror.ErrInvalidInput)
}

func (d *Gorm) lookup(ctx context.Context, ref model.EntityRef) (model.EntityOwner, error) {
	if !ref.Kind.Valid() {
		return model.EntityOwner{}, fmt.Errorf("entity kind %q: %w", ref.Kind, apperror.ErrInvalidInput)
	}
	var row model.EntityOwner
	err := d.db.WithContext(ctx).
		Where(&model.EntityOwner{Kind: ref.Kind, ID: ref.ID}).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.EntityOwner{}, fmt.Errorf("entity %s: %w", ref, apperror.ErrNotFound)
	}
	return row, err
}

// Static is an in-memory directory, used by tests and local setups.
type Static struct {
	mu      sync.RWMutex
	entries map[model.EntityRef]model.EntityOwner
}

func NewStatic(owners ...model.EntityOwner) *Static {
	d := &Static{entries: map[model.EntityRef]model.EntityOwner{}}
	for _, o := range owners {
		d.Put(o)
	}
	return d
}

func (d *Static) Put(o model.EntityOwner) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[model.EntityRef{Kind: o.Kind, ID: o.ID}] = o
}

func (d *Static) Owner(_ context.Context, ref model.EntityRef) (string, error) {
	if !ref.Kind.Valid() {
		return "", fmt.Errorf("entity kind %q: %w", ref.Kind, apperror.ErrInvalidInput)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.entries[ref]
	if !ok {
		return "", fmt.Errorf("entity %s: %w", ref, apperror.ErrNotFound)
	}
	return o.OwnerUserID, nil
}

func (d *Static) DisplayName(_ context.Context, ref model.EntityRef) (string, error) {
	if !ref.Kind.Valid() {
		return "", fmt.Errorf("entity kind %q: %w", ref.Kind, apperror.ErrInvalidInput)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.entries[ref]
	if !ok {
		return "", fmt.Errorf("entity %s: %w", ref, apperror.ErrNotFound)
	}
	return o.DisplayName, nil
}

// Authorize fails with ErrForbidden unless userID acts for ref.
func Authorize(ctx context.Context, d Directory, userID string, ref model.EntityRef) error {
	owner, err := d.Owner(ctx, ref)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return fmt.Errorf("entity %s: %w", ref, apperror.ErrForbidden)
		}
		return err
	}
	if owner != userID {
		return fmt.Errorf("user %s does not act for %s: %w", userID, ref, apperror.ErrForbidden)
	}
	return nil
}
