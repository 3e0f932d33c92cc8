// Package projects advances a linked project when its invoice settles. The
// project table belongs to the project-management side; this synchronizer is
// the only write the invoice engine performs on it.
package projects

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/atelierhq/billing/internal/models"
)

// Synchronizer is the contract the lifecycle manager calls once per paid
// transition. Implementations must tolerate repeat calls for the same pair.
type Synchronizer interface {
	AdvanceOnPaid(ctx context.Context, invoiceID, projectID uint) error
}

type StatusSynchronizer struct {
	db *gorm.DB
}

func NewStatusSynchronizer(db *gorm.DB) *StatusSynchronizer {
	return &StatusSynchronizer{db: db}
}

// AdvanceOnPaid marks the project completed. Idempotent: a project that is
// already completed matches zero rows and that is fine.
func (s *StatusSynchronizer) AdvanceOnPaid(ctx context.Context, invoiceID, projectID uint) error {
	res := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ? AND status <> ?", projectID, models.ProjectStatusCompleted).
		Update("status", models.ProjectStatusCompleted)
	if res.Error != nil {
		return fmt.Errorf("advance project %d for invoice %d: %w", projectID, invoiceID, res.Error)
	}
	return nil
}
