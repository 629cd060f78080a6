package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/votewave/votewave/pkg/utils"
)

// Signals are the raw per-request attributes a pseudo-identity is derived
// from. They are consumed once and never stored verbatim.
type Signals struct {
	VoteToken string // opaque cookie value, empty when the browser has none
	UserAgent string
	IP        string

	// Optional client-reported fingerprint attributes.
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
	Platform         string `json:"platform"`
	CookiesEnabled   bool   `json:"cookiesEnabled"`
	DoNotTrack       bool   `json:"doNotTrack"`
	CanvasDigest     string `json:"canvas"`
	WebGLDigest      string `json:"webgl"`
}

// Identity is the set of one-way digests the engine keys votes by.
type Identity struct {
	TokenHash    string
	DeviceHash   string
	IPHash       string
	IPSubnetHash string
}

// Resolver derives identities. TokenHash is an HMAC keyed by a server-held
// secret since it backs the returning-browser check; the remaining hashes are
// salted digests, not security tokens.
type Resolver struct {
	secret []byte
	salt   []byte
}

func NewResolver(secret, salt string) *Resolver {
	return &Resolver{secret: []byte(secret), salt: []byte(salt)}
}

// NewResolverFromEnv reads TOKEN_HMAC_SECRET and HASH_SALT.
func NewResolverFromEnv() *Resolver {
	return NewResolver(
		utils.Env("TOKEN_HMAC_SECRET", "dev-hmac-secret"),
		utils.Env("HASH_SALT", "dev-hash-salt"),
	)
}

// Resolve maps request signals to an Identity. Deterministic: identical
// signals always produce identical hashes, regardless of request ordering.
func (r *Resolver) Resolve(pollID string, s Signals) Identity {
	return Identity{
		TokenHash:    r.TokenHash(pollID, s.VoteToken),
		DeviceHash:   r.DeviceHash(s),
		IPHash:       r.IPHash(s.IP),
		IPSubnetHash: r.subnetHash(s.IP),
	}
}

// TokenHash digests the cookie token, scoped per poll so one browser token
// never links votes across polls.
func (r *Resolver) TokenHash(pollID, token string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(pollID + ":" + token))
	return hex.EncodeToString(mac.Sum(nil))
}

// DeviceHash combines the header and fingerprint signals into one digest
// identifying a physical device independent of cookies.
func (r *Resolver) DeviceHash(s Signals) string {
	parts := []string{
		s.UserAgent,
		s.IP,
		s.ScreenResolution,
		s.Timezone,
		s.Language,
		s.Platform,
		fmt.Sprintf("%t:%t", s.CookiesEnabled, s.DoNotTrack),
		s.CanvasDigest,
		s.WebGLDigest,
	}
	return r.saltedHash(strings.Join(parts, "|"))
}

func (r *Resolver) IPHash(ip string) string {
	return r.saltedHash(ip)
}

// subnetHash digests the /24 (IPv4) or /48 (IPv6) network the IP belongs to,
// so clustering survives DHCP churn within a subnet.
func (r *Resolver) subnetHash(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return r.saltedHash("subnet:" + ip)
	}
	var network *net.IPNet
	if v4 := parsed.To4(); v4 != nil {
		_, network, _ = net.ParseCIDR(fmt.Sprintf("%s/24", v4.Mask(net.CIDRMask(24, 32))))
	} else {
		_, network, _ = net.ParseCIDR(fmt.Sprintf("%s/48", parsed.Mask(net.CIDRMask(48, 128))))
	}
	if network == nil {
		return r.saltedHash("subnet:" + ip)
	}
	return r.saltedHash("subnet:" + network.String())
}

func (r *Resolver) saltedHash(input string) string {
	h := sha256.New()
	h.Write(r.salt)
	h.Write([]byte(input))
	return hex.EncodeToString(h.Sum(nil))
}

// MintToken generates a fresh opaque vote token for browsers that arrive
// without one. The cookie must be set only after a successful commit.
func MintToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint vote token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
