package directory

// NodeLocation identifies one connection on one gateway node
type NodeLocation struct {
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	ConnectionID string `json:"connectionId"`
}

// OnNode reports whether the location belongs to the node at ip:port
func (l NodeLocation) OnNode(ip string, port int) bool {
	return l.IP == ip && l.Port == port
}

// SessionRecord lists every connection currently serving one user of one
// application. An empty record means the user has no live session.
type SessionRecord struct {
	Nodes []NodeLocation `json:"nodes"`
}

// Empty reports whether the record has no entries
func (r *SessionRecord) Empty() bool {
	return r == nil || len(r.Nodes) == 0
}

// Add appends loc
func (r *SessionRecord) Add(loc NodeLocation) {
	r.Nodes = append(r.Nodes, loc)
}

// Remove drops every entry equal to loc and reports whether any was found
func (r *SessionRecord) Remove(loc NodeLocation) bool {
	return r.filter(func(l NodeLocation) bool { return l != loc }) > 0
}

// RemoveConnections drops the entries on ip:port whose connection id is in ids
func (r *SessionRecord) RemoveConnections(ip string, port int, ids map[string]struct{}) int {
	return r.filter(func(l NodeLocation) bool {
		if !l.OnNode(ip, port) {
			return true
		}
		_, stale := ids[l.ConnectionID]
		return !stale
	})
}

// Reconcile drops the entries on ip:port whose connection isLive reports dead.
// Entries of other nodes are left alone.
func (r *SessionRecord) Reconcile(ip string, port int, isLive func(connectionID string) bool) int {
	return r.filter(func(l NodeLocation) bool {
		return !l.OnNode(ip, port) || isLive(l.ConnectionID)
	})
}

// filter keeps the entries for which keep returns true, preserving order,
// and returns how many were dropped
func (r *SessionRecord) filter(keep func(NodeLocation) bool) int {
	kept := r.Nodes[:0]
	for _, l := range r.Nodes {
		if keep(l) {
			kept = append(kept, l)
		}
	}
	dropped := len(r.Nodes) - len(kept)
	r.Nodes = kept
	return dropped
}
