package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentityPolicyRejectsUnknownKey(t *testing.T) {
	_, err := NewIdentityPolicy("email", false)
	assert.Error(t, err)
}

func TestResolveRegistrationKeyedByAddress(t *testing.T) {
	policy, err := NewIdentityPolicy(KeyUserAddress, false)
	require.NoError(t, err)

	in, err := policy.ResolveRegistration(map[string]interface{}{"userAddress": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", in.Identity)
	assert.Equal(t, "0xabc", in.UserAddress)
}

func TestResolveRegistrationKeyedByUserID(t *testing.T) {
	policy, err := NewIdentityPolicy(KeyUserID, false)
	require.NoError(t, err)

	in, err := policy.ResolveRegistration(map[string]interface{}{"userId": "u-1", "userAddress": "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", in.Identity)
	assert.Equal(t, "0xabc", in.UserAddress)

	_, err = policy.ResolveRegistration(map[string]interface{}{"userId": "u-1"})
	assert.True(t, IsValidationError(err))
	assert.EqualError(t, err, `"userAddress" must be a string`)
}

func TestResolveRegistrationRejectsNonStrings(t *testing.T) {
	policy, _ := NewIdentityPolicy(KeyUserAddress, false)

	for _, body := range []map[string]interface{}{
		{},
		{"userAddress": 42},
		{"userAddress": ""},
		{"userAddress": nil},
	} {
		_, err := policy.ResolveRegistration(body)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
		assert.EqualError(t, err, `"userAddress" must be a string`)
	}
}

func TestAddressValidationChecksums(t *testing.T) {
	policy, err := NewIdentityPolicy(KeyUserAddress, true)
	require.NoError(t, err)

	lower := "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	checksummed := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	in, err := policy.ResolveRegistration(map[string]interface{}{"userAddress": lower})
	require.NoError(t, err)
	assert.Equal(t, checksummed, in.Identity)
	assert.Equal(t, checksummed, in.UserAddress)
	assert.Equal(t, checksummed, policy.Normalize(lower))

	_, err = policy.ResolveRegistration(map[string]interface{}{"userAddress": "0xabc"})
	assert.True(t, IsValidationError(err))
}

func TestNormalizeLeavesIdentityWhenNotValidating(t *testing.T) {
	policy, _ := NewIdentityPolicy(KeyUserAddress, false)
	assert.Equal(t, "0xABC", policy.Normalize("0xABC"))
}

func TestCheckIdentity(t *testing.T) {
	policy, _ := NewIdentityPolicy(KeyUserID, false)
	assert.NoError(t, policy.CheckIdentity("u-1"))
	assert.True(t, IsValidationError(policy.CheckIdentity("  ")))
	assert.True(t, IsValidationError(policy.CheckIdentity("claimed-subject#alice@gmail.com")))
	assert.NoError(t, policy.CheckIdentity("alice#claimed-subject"))
}
