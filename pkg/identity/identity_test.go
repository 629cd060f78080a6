package identity_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/votewave/votewave/pkg/identity"
)

func testSignals() identity.Signals {
	return identity.Signals{
		VoteToken:        "aabbccdd",
		UserAgent:        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		IP:               "203.0.113.7",
		ScreenResolution: "2560x1440",
		Timezone:         "Europe/Berlin",
		Language:         "de-DE",
		Platform:         "MacIntel",
		CookiesEnabled:   true,
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := identity.NewResolver("secret", "salt")
	a := r.Resolve("poll-1", testSignals())
	b := r.Resolve("poll-1", testSignals())
	require.Equal(t, a, b)
	require.NotEmpty(t, a.TokenHash)
	require.NotEmpty(t, a.DeviceHash)
	require.NotEmpty(t, a.IPHash)
	require.NotEmpty(t, a.IPSubnetHash)
}

func TestTokenHashIsPollScoped(t *testing.T) {
	r := identity.NewResolver("secret", "salt")
	require.NotEqual(t,
		r.TokenHash("poll-1", "tok"),
		r.TokenHash("poll-2", "tok"),
		"one browser token must not link votes across polls")
	require.NotEqual(t,
		r.TokenHash("poll-1", "tok"),
		r.TokenHash("poll-1", "other"))
}

func TestTokenHashDependsOnSecret(t *testing.T) {
	a := identity.NewResolver("secret-a", "salt")
	b := identity.NewResolver("secret-b", "salt")
	require.NotEqual(t, a.TokenHash("poll-1", "tok"), b.TokenHash("poll-1", "tok"))
}

func TestDeviceHashVariesWithSignals(t *testing.T) {
	r := identity.NewResolver("secret", "salt")
	base := r.DeviceHash(testSignals())

	changed := testSignals()
	changed.IP = "203.0.113.8"
	require.NotEqual(t, base, r.DeviceHash(changed))

	changed = testSignals()
	changed.Timezone = "America/New_York"
	require.NotEqual(t, base, r.DeviceHash(changed))

	changed = testSignals()
	changed.DoNotTrack = true
	require.NotEqual(t, base, r.DeviceHash(changed))
}

func TestSubnetHashGroupsNeighbors(t *testing.T) {
	r := identity.NewResolver("secret", "salt")

	a := r.Resolve("p", identity.Signals{IP: "203.0.113.7"})
	b := r.Resolve("p", identity.Signals{IP: "203.0.113.200"})
	c := r.Resolve("p", identity.Signals{IP: "203.0.114.7"})

	require.Equal(t, a.IPSubnetHash, b.IPSubnetHash, "same /24 shares a subnet hash")
	require.NotEqual(t, a.IPSubnetHash, c.IPSubnetHash)
	require.NotEqual(t, a.IPHash, b.IPHash, "exact IP hashes still differ")
}

func TestSubnetHashIPv6(t *testing.T) {
	r := identity.NewResolver("secret", "salt")
	a := r.Resolve("p", identity.Signals{IP: "2001:db8:1:2::1"})
	b := r.Resolve("p", identity.Signals{IP: "2001:db8:1:99::1"})
	require.Equal(t, a.IPSubnetHash, b.IPSubnetHash, "same /48 shares a subnet hash")
}

func TestSubnetHashUnparseableIP(t *testing.T) {
	r := identity.NewResolver("secret", "salt")
	a := r.Resolve("p", identity.Signals{IP: "not-an-ip"})
	b := r.Resolve("p", identity.Signals{IP: "not-an-ip"})
	require.Equal(t, a.IPSubnetHash, b.IPSubnetHash)
	require.NotEmpty(t, a.IPSubnetHash)
}

func TestMintToken(t *testing.T) {
	a, err := identity.MintToken()
	require.NoError(t, err)
	require.Len(t, a, 32)

	b, err := identity.MintToken()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
