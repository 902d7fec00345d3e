package models

// Role identifies what kind of work an agent performs.
type Role string

const (
	RoleFrontendDev Role = "frontend_dev"
	RoleBackendDev  Role = "backend_dev"
	RoleQA          Role = "qa"
	RoleArchitect   Role = "architect"
	RoleProjectPM   Role = "project_pm"
	RoleGlobalPM    Role = "global_pm"
	RoleUIAdmin     Role = "ui_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleFrontendDev, RoleBackendDev, RoleQA, RoleArchitect, RoleProjectPM, RoleGlobalPM, RoleUIAdmin:
		return true
	}
	return false
}

// IsPM reports whether the role carries project-management authority.
// Global and project PMs share the same authority class.
func (r Role) IsPM() bool {
	return r == RoleProjectPM || r == RoleGlobalPM
}

// IsDev reports whether the role is a development role.
func (r Role) IsDev() bool {
	return r == RoleFrontendDev || r == RoleBackendDev
}

// Level is an agent skill level. Task difficulty uses the same scale.
type Level string

const (
	LevelJunior    Level = "junior"
	LevelSenior    Level = "senior"
	LevelPrincipal Level = "principal"
)

var levelRank = map[Level]int{
	LevelJunior:    1,
	LevelSenior:    2,
	LevelPrincipal: 3,
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank returns the ordinal of the level (junior=1, senior=2, principal=3).
func (l Level) Rank() int {
	return levelRank[l]
}

// AtLeast reports whether l covers work of difficulty d.
func (l Level) AtLeast(d Level) bool {
	return levelRank[l] >= levelRank[d]
}

// ConnectionType records how an agent talks to the server.
type ConnectionType string

const (
	ConnectionClient ConnectionType = "client"
	ConnectionMCP    ConnectionType = "mcp"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusCreated           TaskStatus = "created"
	StatusApproved          TaskStatus = "approved"
	StatusUnderWork         TaskStatus = "under_work"
	StatusDevDone           TaskStatus = "dev_done"
	StatusTesting           TaskStatus = "testing"
	StatusQADone            TaskStatus = "qa_done"
	StatusDocumentationDone TaskStatus = "documentation_done"
	StatusCommitted         TaskStatus = "committed"

	// StatusWaiting is never persisted. It marks the synthetic task the
	// dispatcher returns when a long poll hits its deadline.
	StatusWaiting TaskStatus = "waiting"
)

// Valid reports whether s is a persistable task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusApproved, StatusUnderWork, StatusDevDone,
		StatusTesting, StatusQADone, StatusDocumentationDone, StatusCommitted:
		return true
	}
	return false
}

// Terminal reports whether s is the end of the lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusCommitted
}

// Locked reports whether a task in this status must be held by an agent.
func (s TaskStatus) Locked() bool {
	return s == StatusUnderWork || s == StatusTesting
}

// Complexity sizes a task. Major work dispatches before minor work.
type Complexity string

const (
	ComplexityMajor Complexity = "major"
	ComplexityMinor Complexity = "minor"
)

// Valid reports whether c is a known complexity.
func (c Complexity) Valid() bool {
	return c == ComplexityMajor || c == ComplexityMinor
}

// DocType classifies a document.
type DocType string

const (
	DocTypeNote         DocType = "note"
	DocTypeSpec         DocType = "spec"
	DocTypeHandoff      DocType = "handoff"
	DocTypeRetro        DocType = "retro"
	DocTypeAnnouncement DocType = "announcement"
)

// Valid reports whether d is a known document type.
func (d DocType) Valid() bool {
	switch d {
	case DocTypeNote, DocTypeSpec, DocTypeHandoff, DocTypeRetro, DocTypeAnnouncement:
		return true
	}
	return false
}

// ServiceStatus is the persisted state of a registered service.
type ServiceStatus string

const (
	ServiceUp       ServiceStatus = "up"
	ServiceDown     ServiceStatus = "down"
	ServiceStarting ServiceStatus = "starting"
)

// Valid reports whether s is a known service status.
func (s ServiceStatus) Valid() bool {
	return s == ServiceUp || s == ServiceDown || s == ServiceStarting
}

// ChangeKind identifies a changelog entry.
type ChangeKind string

const (
	ChangeTaskCreated       ChangeKind = "task_created"
	ChangeTaskStatus        ChangeKind = "task_status"
	ChangeTaskLocked        ChangeKind = "task_locked"
	ChangeTaskUnlocked      ChangeKind = "task_unlocked"
	ChangeDocumentCreated   ChangeKind = "document_created"
	ChangeMentionCreated    ChangeKind = "mention_created"
	ChangeAgentRegistered   ChangeKind = "agent_registered"
	ChangeServiceRegistered ChangeKind = "service_registered"
	ChangeServiceStatus     ChangeKind = "service_status"
)

// AgentLiveness buckets an agent's last_seen age.
type AgentLiveness string

const (
	LivenessOnline         AgentLiveness = "online"
	LivenessRecentlyActive AgentLiveness = "recently_active"
	LivenessOffline        AgentLiveness = "offline"
)

// Availability is an agent's readiness to receive work.
type Availability string

const (
	AvailabilityIdle    Availability = "idle"
	AvailabilityWorking Availability = "working"
	AvailabilityOffline Availability = "offline"
)
