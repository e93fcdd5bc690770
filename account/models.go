package account

import "strings"

// Profile is the read-only directory entry for a dashboard user. Accounts are
// provisioned outside this service.
type Profile struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Office    string `json:"office"`
	IsAdmin   bool   `json:"isAdmin"`
}

// DisplayName renders "First Last", falling back to the username.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Username
	}
	return name
}
