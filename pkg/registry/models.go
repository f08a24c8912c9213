package registry

import "time"

type ClaimStatus string

const (
	StatusPending ClaimStatus = "pending"
	StatusClaimed ClaimStatus = "claimed"
)

// UserRecord is the stored registration state of one identity.
type UserRecord struct {
	Identity       string      `json:"identity"`
	UserAddress    string      `json:"userAddress,omitempty"`
	TemplateLink   string      `json:"templateLink"`
	CallbackID     string      `json:"callbackId"`
	ClaimStatus    ClaimStatus `json:"claimStatus"`
	ClaimString    string      `json:"claimString,omitempty"`
	ClaimSubject   string      `json:"claimSubject,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	ClaimUpdatedAt *time.Time  `json:"claimUpdatedAt,omitempty"`
}

// ClaimUpdate is the payload written by a successful compare-and-swap.
type ClaimUpdate struct {
	Status       ClaimStatus
	ClaimString  string
	ClaimSubject string
	UpdatedAt    time.Time
}

func (r *UserRecord) apply(u ClaimUpdate) {
	updatedAt := u.UpdatedAt
	r.ClaimStatus = u.Status
	r.ClaimString = u.ClaimString
	r.ClaimSubject = u.ClaimSubject
	r.ClaimUpdatedAt = &updatedAt
}

func (r *UserRecord) clone() *UserRecord {
	c := *r
	if r.ClaimUpdatedAt != nil {
		t := *r.ClaimUpdatedAt
		c.ClaimUpdatedAt = &t
	}
	return &c
}

type RegisterInput struct {
	Identity    string
	UserAddress string
}

type RegisterResult struct {
	TemplateLink string
	CallbackID   string
}
