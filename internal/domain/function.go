package domain

import "time"

// Project is the top-level ownership unit. A project owns its functions,
// gateway configuration and project-scoped network policies.
type Project struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	KVQuotaBytes int64     `json:"kv_quota_bytes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Function is a deployable unit of user code. Name is unique within a
// project. ActiveVersionID, when set, references a version of this function;
// only the active version is served.
type Function struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Name            string     `json:"name"`
	Active          bool       `json:"active"`
	RequiresAPIKey  bool       `json:"requires_api_key"`
	APIKeyHash      string     `json:"api_key_hash,omitempty"` // hex SHA-256 of the key
	ActiveVersionID string     `json:"active_version_id,omitempty"`
	Retention       *Retention `json:"retention,omitempty"`
	ExecutionCount  int64      `json:"execution_count"`
	LastExecuted    *time.Time `json:"last_executed,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FunctionVersion is an immutable uploaded package. Version numbers increase
// monotonically per function and are never reused.
type FunctionVersion struct {
	ID          string    `json:"id"`
	FunctionID  string    `json:"function_id"`
	Version     int       `json:"version"`
	ObjectName  string    `json:"object_name"`  // key in the object store
	PackageHash string    `json:"package_hash"` // hex SHA-256 of the tarball
	SizeBytes   int64     `json:"size_bytes"`
	UploadedBy  string    `json:"uploaded_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnvVar is a per-function environment variable. Keys are unique per function.
type EnvVar struct {
	FunctionID string `json:"function_id"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

// Retention controls execution-log pruning for a function. A zero value in
// a field means "use the global default". MaxAge is time-based, MaxCount is
// count-based; both may be set.
type Retention struct {
	MaxAge   time.Duration `json:"max_age,omitempty"`
	MaxCount int           `json:"max_count,omitempty"`
}
