package nodeid

import "fmt"

// Ref is the only cross-node way to denote a server; no live handle ever
// crosses a node boundary.
type Ref struct {
	ServerId string
	Node     NodeId
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@%s", r.ServerId, r.Node)
}

func (r Ref) Equals(other Ref) bool {
	return r.ServerId == other.ServerId && r.Node.Equals(other.Node)
}
