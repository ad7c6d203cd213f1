package models

import "time"

// MigrationRecord is the persisted ledger marker for an applied migration.
type MigrationRecord struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// MigrationStatus pairs a catalog migration with its ledger state.
type MigrationStatus struct {
	Version     int        `json:"version"`
	Description string     `json:"description"`
	Applied     bool       `json:"applied"`
	AppliedAt   *time.Time `json:"applied_at,omitempty"`
}

// MigrationResult reports the outcome of applying, reverting or dry-running
// one migration.
type MigrationResult struct {
	Version  int           `json:"version"`
	Affected int           `json:"affected"`
	DryRun   bool          `json:"dry_run"`
	Duration time.Duration `json:"duration"`
}
