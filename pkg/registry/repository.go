package registry

import "context"

// Repository is the storage contract of the registry. Implementations must
// make Create and CompareAndSwapClaim atomic with respect to their
// preconditions; the registry never performs a read-then-write of its own.
type Repository interface {
	// Create stores a new record; ErrConflict if the identity exists.
	Create(ctx context.Context, rec *UserRecord) error
	Get(ctx context.Context, identity string) (*UserRecord, error)
	GetByCallbackID(ctx context.Context, callbackID string) (*UserRecord, error)
	// FindClaimedBySubject returns the record already credited with subject,
	// or ErrNotFound.
	FindClaimedBySubject(ctx context.Context, subject string) (*UserRecord, error)
	// CompareAndSwapClaim applies update only if the record exists and its
	// status equals expected. ErrNotFound when absent, ErrConflict when the
	// status differs or update.ClaimSubject is already credited elsewhere.
	CompareAndSwapClaim(ctx context.Context, identity string, expected ClaimStatus, update ClaimUpdate) error
}
