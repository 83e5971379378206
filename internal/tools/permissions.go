// Package tools gates and dispatches model-invoked tool calls.
package tools

// Roles a session can carry.
const (
	RoleAdmin     = "admin"
	RoleOrganizer = "organizer"
	RoleStaff     = "staff"
	RoleViewer    = "viewer"
)

// Tool names the model may request.
const (
	GetEventDetails  = "get_event_details"
	ListParticipants = "list_participants"
	ListSpeakers     = "list_speakers"
	CreateTask       = "create_task"
	UpdateTaskStatus = "update_task_status"
	DraftEmail       = "draft_email"
	GenerateReport   = "generate_report"
)

// allTools is the canonical tool order.
var allTools = []string{
	GetEventDetails,
	ListParticipants,
	ListSpeakers,
	CreateTask,
	UpdateTaskStatus,
	DraftEmail,
	GenerateReport,
}

var rolePermissions = map[string]map[string]bool{
	RoleAdmin:     set(allTools...),
	RoleOrganizer: set(allTools...),
	RoleStaff:     set(GetEventDetails, ListParticipants, ListSpeakers, CreateTask, UpdateTaskStatus),
	RoleViewer:    set(GetEventDetails, ListSpeakers),
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// HasToolPermission reports whether role may run tool. Unknown roles and
// unknown tools are denied.
func HasToolPermission(role, tool string) bool {
	return rolePermissions[role][tool]
}

// ToolsForRole lists the tools role may run, in canonical order.
func ToolsForRole(role string) []string {
	allowed := rolePermissions[role]
	out := make([]string, 0, len(allowed))
	for _, t := range allTools {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}

// IsKnownTool reports whether name is part of the tool set.
func IsKnownTool(name string) bool {
	for _, t := range allTools {
		if t == name {
			return true
		}
	}
	return false
}
