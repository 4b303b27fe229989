package types

// Response bodies of the cache HTTP API
type (
	ProfileResponse struct {
		Found   bool     `json:"found"`
		Profile *Profile `json:"profile,omitempty"`
	}
	ProfilesResponse struct {
		Profiles map[string]*Profile `json:"profiles"`
	}
	ProfileListResponse struct {
		Profiles []*Profile `json:"profiles"`
	}
	RelayListResponse struct {
		Found     bool         `json:"found"`
		Relays    []RelayEntry `json:"relays,omitempty"`
		EventID   string       `json:"event_id,omitempty"`
		CreatedAt int64        `json:"created_at,omitempty"`
	}
	RelayListsResponse struct {
		RelayLists map[string]*RelayList `json:"relayLists"`
	}
	ContactsResponse struct {
		Found     bool     `json:"found"`
		Contacts  []string `json:"contacts,omitempty"`
		EventID   string   `json:"event_id,omitempty"`
		CreatedAt int64    `json:"created_at,omitempty"`
	}
	EventResponse struct {
		Found bool   `json:"found"`
		Event *Event `json:"event,omitempty"`
	}
	EventsResponse struct {
		Events []*Event `json:"events"`
	}
	PopularRelaysResponse struct {
		Relays []RelayCount `json:"relays"`
	}
)

// Request bodies of the cache HTTP API
type (
	PubkeysRequest struct {
		Pubkeys []string `json:"pubkeys"`
	}
	FeedRequest struct {
		Authors []string `json:"authors"`
		Kinds   []int    `json:"kinds,omitempty"`
		Limit   int      `json:"limit,omitempty"`
	}
	IngestRequest struct {
		Events []*Event `json:"events"`
	}
)

// IngestResponse reports how many events were newly stored out of the
// total considered
type IngestResponse struct {
	Stored int `json:"stored"`
	Total  int `json:"total"`
}
