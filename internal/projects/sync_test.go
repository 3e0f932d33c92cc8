package projects

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/atelierhq/billing/internal/models"
)

func setupSyncTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Project{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAdvanceOnPaid(t *testing.T) {
	db := setupSyncTestDB(t)
	p := models.Project{ClientID: 10, Title: "Site redesign", Status: models.ProjectStatusInProgress}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := NewStatusSynchronizer(db)

	if err := s.AdvanceOnPaid(context.Background(), 1, p.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	var got models.Project
	if err := db.First(&got, p.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.ProjectStatusCompleted {
		t.Errorf("status = %s", got.Status)
	}

	// Repeat call matches zero rows and stays silent.
	if err := s.AdvanceOnPaid(context.Background(), 1, p.ID); err != nil {
		t.Fatalf("repeat advance: %v", err)
	}
}

func TestAdvanceOnPaidMissingProject(t *testing.T) {
	db := setupSyncTestDB(t)
	s := NewStatusSynchronizer(db)
	// Unknown project id is not an error; the caller logs, never rolls back.
	if err := s.AdvanceOnPaid(context.Background(), 1, 999); err != nil {
		t.Fatalf("missing project should not error: %v", err)
	}
}
