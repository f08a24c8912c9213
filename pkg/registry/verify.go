package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/claimlink/platform/pkg/consent"
	"github.com/ethereum/go-ethereum/common"
)

var ErrUntrustedClaim = errors.New("claim is not attested by a trusted witness")

// Verifier decides whether decoded claims may be credited to a record.
// Cryptographic proof checking is not implemented by any verifier here.
type Verifier interface {
	Verify(ctx context.Context, rec *UserRecord, claims []Claim) error
}

// SkipVerification accepts every claim.
type SkipVerification struct{}

func (SkipVerification) Verify(context.Context, *UserRecord, []Claim) error {
	return nil
}

// WitnessAllowlist only checks that every witness address named by a claim
// belongs to the provider's configured witness set. Signatures are not checked.
type WitnessAllowlist struct {
	trusted map[string]map[common.Address]struct{}
}

func NewWitnessAllowlist(catalog consent.Catalog) *WitnessAllowlist {
	trusted := make(map[string]map[common.Address]struct{}, len(catalog.Providers))
	for _, p := range catalog.Providers {
		set := make(map[common.Address]struct{}, len(p.Witnesses))
		for _, w := range p.Witnesses {
			if common.IsHexAddress(w) {
				set[common.HexToAddress(w)] = struct{}{}
			}
		}
		trusted[strings.ToLower(p.Name)] = set
	}
	return &WitnessAllowlist{trusted: trusted}
}

func (v *WitnessAllowlist) Verify(_ context.Context, _ *UserRecord, claims []Claim) error {
	for i, c := range claims {
		set := v.trusted[strings.ToLower(c.Provider)]
		if len(set) == 0 {
			return fmt.Errorf("claim %d: provider %q has no trusted witnesses: %w", i, c.Provider, ErrUntrustedClaim)
		}
		if len(c.WitnessAddresses) == 0 {
			return fmt.Errorf("claim %d: no witness addresses: %w", i, ErrUntrustedClaim)
		}
		for _, w := range c.WitnessAddresses {
			if !common.IsHexAddress(w) {
				return fmt.Errorf("claim %d: malformed witness %q: %w", i, w, ErrUntrustedClaim)
			}
			if _, ok := set[common.HexToAddress(w)]; !ok {
				return fmt.Errorf("claim %d: witness %s: %w", i, w, ErrUntrustedClaim)
			}
		}
	}
	return nil
}
