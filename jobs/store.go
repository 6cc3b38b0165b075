package jobs

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"time"
)

var storeOperationTimeout = 30 * time.Second

// Store is the durable table of pending jobs. Implementations must be
// safe for concurrent use.
type Store interface {
	// Create inserts the job. It returns ErrDuplicateID if a record with
	// the same ID already exists.
	Create(ctx context.Context, job *Job) error

	// Delete removes the job with the given ID, reporting whether a
	// record was actually removed.
	Delete(ctx context.Context, id string) (bool, error)

	// List returns every stored job, ordered by fire time.
	List(ctx context.Context) ([]Job, error)
}

// GormStore implements Store on a gorm connection (sqlite or postgres).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db. The Job model must already
// be migrated (see [Migrate]).
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the scheduled_jobs table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&Job{})
}

func withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, storeOperationTimeout)
}

func (s *GormStore) Create(ctx context.Context, job *Job) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Job{}).Where(
				fmt.Sprintf("%s = ?", columnJobID),
				job.ID,
			).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrDuplicateID
			}
			return tx.Create(job).Error
		},
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateID), errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	default:
		return fmt.Errorf("%w: error creating job %s: %w", ErrStoreUnavailable, job.ID, err)
	}
}

func (s *GormStore) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Where(
		fmt.Sprintf("%s = ?", columnJobID),
		id,
	).Delete(&Job{})
	if rv.Error != nil {
		return false, fmt.Errorf("%w: error deleting job %s: %w", ErrStoreUnavailable, id, rv.Error)
	}
	return rv.RowsAffected > 0, nil
}

func (s *GormStore) List(ctx context.Context) ([]Job, error) {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	var stored []Job
	if err := s.db.WithContext(ctx).Order(
		fmt.Sprintf("%s asc", columnJobFireAt),
	).Find(&stored).Error; err != nil {
		return nil, fmt.Errorf("%w: error listing jobs: %w", ErrStoreUnavailable, err)
	}
	return stored, nil
}
