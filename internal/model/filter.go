package model

// ListFilter restricts a notification list read. The zero value matches
// everything: an empty Type matches all types, a nil IsRead matches both
// read states.
type ListFilter struct {
	Type   Type
	IsRead *bool
}

// Matches reports whether the notification passes the filter.
func (f ListFilter) Matches(n *Notification) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.IsRead != nil && n.IsRead != *f.IsRead {
		return false
	}
	return true
}

// Page is an offset/limit pair. Limit <= 0 means no limit.
type Page struct {
	Offset int
	Limit  int
}
