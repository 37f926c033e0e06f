package outage

import (
	"strings"

	"github.com/jcserv/homelab/pkg/config"
)

// Member is a node managed during outages.
type Member struct {
	Name string
	Role Role
}

// Roster is the immutable role assignment for every known node.
type Roster struct {
	critical string
	members  []Member
	excluded []string
}

// NewRoster builds a roster. The critical node is dropped from the tier lists, as are empty
// names and repeats; the first assignment of a name wins.
func NewRoster(critical string, priority, secondary []string) Roster {
	r := Roster{critical: strings.TrimSpace(critical)}
	seen := make(map[string]struct{})
	add := func(names []string, role Role) {
		for _, raw := range names {
			name := strings.TrimSpace(raw)
			if name == "" {
				continue
			}
			if name == r.critical {
				r.excluded = append(r.excluded, name)
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			r.members = append(r.members, Member{Name: name, Role: role})
		}
	}
	add(priority, RolePriority)
	add(secondary, RoleSecondary)
	return r
}

// RosterFromConfig builds the roster from the node configuration.
func RosterFromConfig(cfg *config.Config) Roster {
	return NewRoster(cfg.Nodes.Critical, cfg.Nodes.Priority, cfg.Nodes.Secondary)
}

// Critical returns the protected node name, if any.
func (r Roster) Critical() string { return r.critical }

// Members returns the non-critical nodes, priority tier first.
func (r Roster) Members() []Member {
	return append([]Member(nil), r.members...)
}

// Excluded lists tier entries that were dropped because they name the critical node.
func (r Roster) Excluded() []string {
	return append([]string(nil), r.excluded...)
}

// Role returns the role of the named node and whether it is known.
func (r Roster) Role(name string) (Role, bool) {
	if r.critical != "" && name == r.critical {
		return RoleCritical, true
	}
	for _, m := range r.members {
		if m.Name == name {
			return m.Role, true
		}
	}
	return 0, false
}

// Names returns member names with the given role.
func (r Roster) Names(role Role) []string {
	var out []string
	for _, m := range r.members {
		if m.Role == role {
			out = append(out, m.Name)
		}
	}
	return out
}
