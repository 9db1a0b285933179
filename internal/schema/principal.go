package schema

// Principal is the already-authenticated identity consumed by the event
// plane. Identity verification lives outside the gateway; the transport
// resolves tokens into this shape before any event-plane call.
type Principal struct {
	UserID      string
	Email       string
	TenantID    string
	Permissions []string
}

// Valid reports whether the principal can act at all.
func (p *Principal) Valid() bool {
	return p != nil && p.UserID != "" && p.TenantID != ""
}
