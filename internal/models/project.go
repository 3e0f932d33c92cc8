package models

import "time"

// Project is owned by the project-management side of the product; the invoice
// engine only flips its status when a linked invoice settles. Kept minimal here.
type ProjectStatus string

const (
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusCompleted  ProjectStatus = "completed"
)

type Project struct {
	ID        uint          `gorm:"primaryKey" json:"id"`
	ClientID  uint          `gorm:"not null;index" json:"client_id"`
	Title     string        `gorm:"size:200;not null" json:"title"`
	Status    ProjectStatus `gorm:"size:20;not null;default:'in_progress'" json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
