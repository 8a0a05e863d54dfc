package toolexecutor

import (
	"fmt"
	"strings"
)

// ToolGroup names the integration a tool belongs to. A group is enabled or
// disabled as a whole.
type ToolGroup string

const (
	GroupDatabase  ToolGroup = "database"
	GroupSplunk    ToolGroup = "splunk"
	GroupBitbucket ToolGroup = "bitbucket"
	GroupOutlook   ToolGroup = "outlook"
	GroupGeneral   ToolGroup = "general"
)

// AllGroups returns all valid tool groups
func AllGroups() []ToolGroup {
	return []ToolGroup{
		GroupDatabase,
		GroupSplunk,
		GroupBitbucket,
		GroupOutlook,
		GroupGeneral,
	}
}

// IsValidGroup checks if a group is valid
func IsValidGroup(group string) bool {
	g := ToolGroup(strings.ToLower(group))
	for _, valid := range AllGroups() {
		if g == valid {
			return true
		}
	}
	return false
}

// UnavailableMessage is the error text returned for tools of a disabled group.
func UnavailableMessage(group ToolGroup) string {
	name := string(group)
	if name == "" {
		name = string(GroupGeneral)
	}
	return fmt.Sprintf("%s tools not available. Enable the %s profile.",
		strings.ToUpper(name[:1])+name[1:], name)
}

// FilterByGroup returns the registered tool names in a group, sorted.
func (te *ToolExecutor) FilterByGroup(group ToolGroup) []string {
	filtered := []string{}
	for _, name := range te.ListTools() {
		if tool := te.GetTool(name); tool != nil && tool.Group == group {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// GroupOf returns the group of a registered or unavailable tool.
func (te *ToolExecutor) GroupOf(name string) (ToolGroup, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	if tool, ok := te.tools[name]; ok {
		return tool.Group, true
	}
	if u, ok := te.unavailable[name]; ok {
		return u.group, true
	}
	return "", false
}
