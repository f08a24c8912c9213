package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	KeyUserAddress = "userAddress"
	KeyUserID      = "userId"
)

// IdentityPolicy selects which request field is the primary key. Revisions
// keyed by userAddress treat the wallet address as the identity; revisions
// keyed by userId require the address as a separate field.
type IdentityPolicy struct {
	Key             string
	ValidateAddress bool
}

func NewIdentityPolicy(key string, validateAddress bool) (IdentityPolicy, error) {
	switch key {
	case KeyUserAddress, KeyUserID:
		return IdentityPolicy{Key: key, ValidateAddress: validateAddress}, nil
	default:
		return IdentityPolicy{}, fmt.Errorf("unsupported identity key %q", key)
	}
}

func (p IdentityPolicy) keyedByAddress() bool {
	return p.Key == KeyUserAddress
}

// ResolveRegistration extracts the identity and address from a decoded
// JSON body, rejecting missing or non-string values.
func (p IdentityPolicy) ResolveRegistration(body map[string]interface{}) (RegisterInput, error) {
	identity, err := stringField(body, p.Key)
	if err != nil {
		return RegisterInput{}, err
	}

	in := RegisterInput{Identity: identity}
	if p.keyedByAddress() {
		in.UserAddress = identity
	} else {
		address, err := stringField(body, KeyUserAddress)
		if err != nil {
			return RegisterInput{}, err
		}
		in.UserAddress = address
	}

	if err := p.CheckAddress(in.UserAddress); err != nil {
		return RegisterInput{}, err
	}
	if p.ValidateAddress {
		in.UserAddress = common.HexToAddress(in.UserAddress).Hex()
		if p.keyedByAddress() {
			in.Identity = in.UserAddress
		}
	}
	return in, nil
}

// Normalize maps an identity path parameter onto its stored form. Validated
// addresses are stored EIP-55 checksummed.
func (p IdentityPolicy) Normalize(identity string) string {
	if p.ValidateAddress && p.keyedByAddress() && common.IsHexAddress(identity) {
		return common.HexToAddress(identity).Hex()
	}
	return identity
}

// CheckIdentity validates a path parameter. Identities may not use the key
// space reserved for claimed-subject guard items.
func (p IdentityPolicy) CheckIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return validationErrorf("%q must be a string", p.Key)
	}
	if strings.HasPrefix(identity, claimGuardPrefix) {
		return validationErrorf("%q must not start with %q", p.Key, claimGuardPrefix)
	}
	return nil
}

func (p IdentityPolicy) CheckAddress(address string) error {
	if !p.ValidateAddress {
		return nil
	}
	if !common.IsHexAddress(address) {
		return validationErrorf("%q must be a hex wallet address", KeyUserAddress)
	}
	return nil
}

func stringField(body map[string]interface{}, key string) (string, error) {
	raw, ok := body[key]
	if !ok {
		return "", validationErrorf("%q must be a string", key)
	}
	value, ok := raw.(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", validationErrorf("%q must be a string", key)
	}
	return value, nil
}
