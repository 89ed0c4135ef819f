package stage

// Name identifies one stage of the fixed appeal workflow.
type Name string

const (
	Structuring Name = "structuring"
	Evidence    Name = "evidence"
	Regulatory  Name = "regulatory"
	Draft       Name = "draft"
	Review      Name = "review"
)

// order is the single source of truth for stage sequencing.
var order = []Name{Structuring, Evidence, Regulatory, Draft, Review}

// Order returns the fixed stage sequence. The returned slice is a copy;
// callers may not reorder the workflow.
func Order() []Name {
	out := make([]Name, len(order))
	copy(out, order)
	return out
}

// Valid reports whether n is one of the fixed stages.
func (n Name) Valid() bool {
	return Index(n) >= 0
}

// Index returns the position of n in the fixed order, or -1 if unknown.
func Index(n Name) int {
	for i, s := range order {
		if s == n {
			return i
		}
	}
	return -1
}

// Earlier reports whether a comes strictly before b in the fixed order.
// Unknown stages are never earlier than anything.
func Earlier(a, b Name) bool {
	ia, ib := Index(a), Index(b)
	return ia >= 0 && ib >= 0 && ia < ib
}

// Last returns the final stage of the workflow.
func Last() Name {
	return order[len(order)-1]
}
