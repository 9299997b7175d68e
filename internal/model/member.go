package model

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// GroupMember is one entry of the authoritative roster. Hydrated from the
// backend's members-with-locations endpoint, never created client-side.
type GroupMember struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Email       string          `json:"email,omitempty"`
	Role        string          `json:"role"`
	JoinedAt    int64           `json:"joinedAt,omitempty"`
	IsOnline    bool            `json:"isOnline"`
	LastSeen    *int64          `json:"lastSeen"`
	Location    *LocationSample `json:"location"`
}

// GroupInfo describes the group itself, including the geofence center and
// radius used for work-area checks.
type GroupInfo struct {
	ID          string   `json:"id"`
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	Address     string   `json:"address,omitempty"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	MemberCount int      `json:"memberCount"`
	WorkRadius  float64  `json:"workRadius,omitempty"`
}
