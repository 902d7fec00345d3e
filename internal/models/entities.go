package models

import "time"

// Project is the root of all scoping. Entities never cross projects.
type Project struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	SharedPath       string     `json:"shared_path,omitempty"`
	InstructionsPath string     `json:"instructions_path,omitempty"`
	DocsPath         string     `json:"docs_path,omitempty"`
	GuidelinesPath   string     `json:"guidelines_path,omitempty"`
	RepoURL          string     `json:"repo_url,omitempty"`
	MainBranch       string     `json:"main_branch,omitempty"`
	ClonePath        string     `json:"clone_path,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Agent is a coordinated worker registered to one project. AgentID is the
// stable handle mentions resolve against; it is unique per project.
type Agent struct {
	AgentID        string         `json:"agent_id"`
	ProjectID      string         `json:"project_id"`
	Role           Role           `json:"role"`
	Level          Level          `json:"level"`
	ConnectionType ConnectionType `json:"connection_type"`
	LastSeen       time.Time      `json:"last_seen"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`

	// Derived, never persisted.
	Liveness     AgentLiveness `json:"liveness,omitempty"`
	Availability Availability  `json:"availability,omitempty"`
}

// Epic is the top of the work-item hierarchy.
type Epic struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feature groups tasks under an epic. Its project is the epic's project.
type Feature struct {
	ID          string    `json:"id"`
	EpicID      string    `json:"epic_id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Task is the unit of dispatched work.
type Task struct {
	ID            string     `json:"id"`
	FeatureID     string     `json:"feature_id"`
	ProjectID     string     `json:"project_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	TargetRole    Role       `json:"target_role"`
	Difficulty    Level      `json:"difficulty"`
	Complexity    Complexity `json:"complexity"`
	Branch        string     `json:"branch,omitempty"`
	Status        TaskStatus `json:"status"`
	LockedBy      string     `json:"locked_by_agent_id,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	CreatedBy     string     `json:"created_by"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Notes         string     `json:"notes,omitempty"`
}

// WaitingTask is the sentinel returned when a long poll times out with no
// eligible work. Callers distinguish it by Status == StatusWaiting.
func WaitingTask() *Task {
	return &Task{ID: "waiting", Title: "no task available yet", Status: StatusWaiting}
}

// IsWaiting reports whether t is the long-poll timeout sentinel.
func (t *Task) IsWaiting() bool {
	return t != nil && t.Status == StatusWaiting
}

// TaskComment is a comment on a task. Bodies run through mention extraction.
type TaskComment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author_agent_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a free-form text passed between agents within a project.
type Document struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Author    string     `json:"author_agent_id"`
	DocType   DocType    `json:"doc_type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Mention source types.
const (
	MentionSourceDocument    = "document"
	MentionSourceTaskComment = "task_comment"
)

// Mention is a materialized @handle notification. Unresolved handles are
// stored with an empty recipient for audit and deliver to nobody.
type Mention struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	SourceType string     `json:"source_type"`
	SourceID   string     `json:"source_id"`
	Handle     string     `json:"mentioned_handle"`
	Recipient  string     `json:"recipient_agent_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReadAt     *time.Time `json:"read_at,omitempty"`
}

// Service is a long-running process registered by an agent, kept alive by
// heartbeats. Name is unique per project.
type Service struct {
	Name          string            `json:"name"`
	ProjectID     string            `json:"project_id"`
	Owner         string            `json:"owner_agent_id"`
	Port          int               `json:"port"`
	Status        ServiceStatus     `json:"status"`
	PingURL       string            `json:"ping_url,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
}

// ChangelogEntry is one append-only event. TS is a monotonic composite
// timestamp in microseconds; entries order by (TS, ID).
type ChangelogEntry struct {
	ID        int64      `json:"id"`
	ProjectID string     `json:"project_id"`
	Kind      ChangeKind `json:"kind"`
	RefID     string     `json:"ref_id"`
	Actor     string     `json:"actor_agent_id,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	TS        int64      `json:"ts"`
}

// StatusChangeDetail is the JSON payload stored in a task_status changelog
// entry's Detail field.
type StatusChangeDetail struct {
	Old  TaskStatus `json:"old"`
	New  TaskStatus `json:"new"`
	Note string     `json:"note,omitempty"`
}
