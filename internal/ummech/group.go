package ummech

// Group is a set of Update Mechanisms related by the representative
// relation: element 0 is the representative; the checker only tests
// representatives, applying the verdict to every member.
type Group struct {
	members []UM
}

// NewGroup returns a Group whose representative is rep.
func NewGroup(rep UM) Group {
	return Group{members: []UM{rep}}
}

// Add appends m to the group as a non-representative member.
func (g *Group) Add(m UM) {
	g.members = append(g.members, m)
}

// Representative returns the group's representative UM.
func (g Group) Representative() UM {
	return g.members[0]
}

// Members returns every UM in the group, representative included, in
// the order they were added.
func (g Group) Members() []UM {
	return g.members
}
