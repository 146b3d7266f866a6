package agent

// Identity is the authenticated caller of a run. It is supplied by the
// transport boundary and is never taken from model output.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`

	// AuthorizedServers limits which tool servers the caller may use.
	// Empty means every configured server.
	AuthorizedServers []string `json:"-"`
}

// Handle is the identity as one string: the email when known, otherwise
// the user id.
func (id Identity) Handle() string {
	if id.Email != "" {
		return id.Email
	}
	return id.UserID
}

// Authorizes reports whether the identity may call functions on server.
func (id Identity) Authorizes(server string) bool {
	if len(id.AuthorizedServers) == 0 {
		return true
	}
	for _, s := range id.AuthorizedServers {
		if s == server || s == "*" {
			return true
		}
	}
	return false
}
