package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"gorm.io/gorm"
)

// ClientRepository is the read side of client records used during execution.
type ClientRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Client, error)
}

type GormClientRepo struct {
	db *gorm.DB
}

func NewGormClientRepo(db *gorm.DB) *GormClientRepo {
	return &GormClientRepo{db: db}
}

func (r *GormClientRepo) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	var model ClientModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return clientModelToDomain(&model), nil
}
