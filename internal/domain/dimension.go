package domain

import "time"

// Performer is a canonical, globally named dimension entity.
type Performer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Tag is a canonical genre/keyword dimension entity.
type Tag struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Category *string `json:"category,omitempty"`
}

// Alias records an alternate name observed for a canonical identity.
// An alias string is never associated with more than one identity.
type Alias struct {
	ID          int64  `json:"id"`
	CanonicalID int64  `json:"canonical_id"`
	AliasName   string `json:"alias_name"`
	Source      string `json:"source"`
}

// ReferenceEntry is one row of the independent ground-truth index mapping a
// business code to a true identity.
type ReferenceEntry struct {
	BusinessCode string  `json:"business_code"`
	IdentityName string  `json:"identity_name"`
	Source       string  `json:"source"`
	Confidence   float64 `json:"confidence"`
}
