package retrieve

// Principal is the identity a query runs as: an ID plus the access-scope
// labels it holds.
type Principal struct {
	ID     string
	Scopes []string
}

// scopeSet is a set of access-scope labels.
type scopeSet map[string]struct{}

func newScopeSet(labels []string) scopeSet {
	set := make(scopeSet, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return set
}

// covers reports whether every required label is held. An empty required
// set means the chunk is public within the tenant.
func (s scopeSet) covers(required []string) bool {
	for _, label := range required {
		if _, ok := s[label]; !ok {
			return false
		}
	}
	return true
}

// Visible reports whether a chunk with the given required scopes is
// visible to the principal.
func (p Principal) Visible(required []string) bool {
	return newScopeSet(p.Scopes).covers(required)
}
