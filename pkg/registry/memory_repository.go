package registry

import (
	"context"
	"sync"
)

// MemoryRepository keeps records in process memory. It backs tests and
// STORE_BACKEND=memory; data does not survive a restart.
type MemoryRepository struct {
	mu         sync.RWMutex
	byIdentity map[string]*UserRecord
	byCallback map[string]string
	bySubject  map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byIdentity: make(map[string]*UserRecord),
		byCallback: make(map[string]string),
		bySubject:  make(map[string]string),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, rec *UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byIdentity[rec.Identity]; exists {
		return ErrConflict
	}
	if _, exists := r.byCallback[rec.CallbackID]; exists {
		return ErrConflict
	}
	r.byIdentity[rec.Identity] = rec.clone()
	r.byCallback[rec.CallbackID] = rec.Identity
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, identity string) (*UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byIdentity[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (r *MemoryRepository) GetByCallbackID(ctx context.Context, callbackID string) (*UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.byCallback[callbackID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byIdentity[identity].clone(), nil
}

func (r *MemoryRepository) FindClaimedBySubject(ctx context.Context, subject string) (*UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.bySubject[subject]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byIdentity[identity].clone(), nil
}

func (r *MemoryRepository) CompareAndSwapClaim(ctx context.Context, identity string, expected ClaimStatus, update ClaimUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byIdentity[identity]
	if !ok {
		return ErrNotFound
	}
	if rec.ClaimStatus != expected {
		return ErrConflict
	}
	if update.ClaimSubject != "" {
		if owner, taken := r.bySubject[update.ClaimSubject]; taken && owner != identity {
			return ErrConflict
		}
	}

	rec.apply(update)
	if update.ClaimSubject != "" && update.Status == StatusClaimed {
		r.bySubject[update.ClaimSubject] = identity
	}
	return nil
}
