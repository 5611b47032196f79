package timeline

// CadenceGroup lists subactivities, by name, that are alternative cadences of
// the same filing. A client holds at most one member of a group per activity:
// assigning one member removes the client's assignment of every other member
// and deletes that member's not-yet-due instances.
type CadenceGroup struct {
	Name    string
	Members []string
}

// DefaultCadenceGroups are the GST return cadences: GSTR-1 and GSTR-3B may be
// filed monthly or quarterly, never both.
var DefaultCadenceGroups = []CadenceGroup{
	{Name: "GSTR-1", Members: []string{"GSTR-1", "GSTR-1-Q"}},
	{Name: "GSTR-3B", Members: []string{"GSTR-3B", "GSTR-3B-Q"}},
}

// Contains reports whether name is a member of the group.
func (g CadenceGroup) Contains(name string) bool {
	for _, m := range g.Members {
		if normalizeName(m) == normalizeName(name) {
			return true
		}
	}
	return false
}

// Counterparts returns the subactivities of activity that share a cadence
// group with sub, excluding sub itself.
func Counterparts(groups []CadenceGroup, activity Activity, sub Subactivity) []Subactivity {
	var out []Subactivity
	seen := map[SubactivityID]bool{sub.ID: true}
	for _, g := range groups {
		if !g.Contains(sub.Name) {
			continue
		}
		for _, other := range activity.Subactivities {
			if seen[other.ID] || !g.Contains(other.Name) {
				continue
			}
			seen[other.ID] = true
			out = append(out, other)
		}
	}
	return out
}
