package types

// ProfileInfo contains user profile metadata (kind 0)
type ProfileInfo struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
	About       string `json:"about,omitempty"`
	Banner      string `json:"banner,omitempty"`
	Lud16       string `json:"lud16,omitempty"`
	Lud06       string `json:"lud06,omitempty"`
	Website     string `json:"website,omitempty"`
}

// Profile is the materialized view row for an author's latest kind 0 event
type Profile struct {
	PubKey    string `json:"pubkey"`
	EventID   string `json:"event_id"`
	CreatedAt int64  `json:"created_at"`
	ProfileInfo
}

// ContactList is the materialized view row for an author's latest kind 3 event
type ContactList struct {
	PubKey    string   `json:"pubkey"`
	EventID   string   `json:"event_id"`
	CreatedAt int64    `json:"created_at"`
	Contacts  []string `json:"contacts"`
}
