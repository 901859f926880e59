package models

// Friend is a reusable address-book entry for quickly adding a known person to a bill.
type Friend struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Name      string `json:"name"`
	VenmoID   string `json:"venmoId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Squad is a named group of friends that usually split bills together.
type Squad struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	Name      string   `json:"name"`
	FriendIDs []string `json:"friendIds"`
	CreatedAt int64    `json:"createdAt"`
}
