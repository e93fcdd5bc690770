package project

import "time"

// Project is the header record of one procurement. Timestamps are naive local
// wall-clock values.
type Project struct {
	ID             string
	PRNumber       string
	Details        string
	Remarks        *string
	CreatorID      string
	CreatedAt      time.Time
	EditedAt       *time.Time
	EditedBy       *string
	LastAccessedAt *time.Time
	LastAccessedBy *string
}

// Listing is a project row joined with its creator's display name.
type Listing struct {
	Project
	CreatorName string
}

type Filters struct {
	Search string
	Limit  int
	Offset int
}

type CreateParams struct {
	PRNumber string
	Details  string
	Remarks  string
}

type HeaderParams struct {
	ProjectID string
	PRNumber  string
	Details   string
}
