// Package turnrest mints short-lived TURN credentials in the coturn REST
// format (use-auth-secret / static-auth-secret):
//
//	username   = <expiry_unix>:<prefix>:<session>
//	credential = base64(hmac_sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret  = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL     = errors.New("turnrest: ttl must be > 0")
	ErrInvalidPrefix  = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidSession = errors.New("turnrest: session must be non-empty and must not contain ':'")
)

type Options struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
	// NewSession names credentials minted by MintRandom. Defaults to a random
	// UUID.
	NewSession func() string
}

type Minter struct {
	secret     []byte
	ttlSeconds int64
	prefix     string
	now        func() time.Time
	newSession func() string
}

type Credentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	Expires    time.Time `json:"expires"`
}

func NewMinter(opts Options) (*Minter, error) {
	if opts.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	ttlSeconds := int64(opts.TTL / time.Second)
	if ttlSeconds <= 0 {
		return nil, ErrInvalidTTL
	}
	if opts.UsernamePrefix == "" || strings.ContainsRune(opts.UsernamePrefix, ':') {
		return nil, ErrInvalidPrefix
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSession == nil {
		opts.NewSession = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Minter{
		secret:     []byte(opts.SharedSecret),
		ttlSeconds: ttlSeconds,
		prefix:     opts.UsernamePrefix,
		now:        opts.Now,
		newSession: opts.NewSession,
	}, nil
}

// Mint returns credentials for session that expire TTL after now.
func (m *Minter) Mint(session string) (Credentials, error) {
	if session == "" || strings.ContainsRune(session, ':') {
		return Credentials{}, ErrInvalidSession
	}
	expiry := m.now().UTC().Unix() + m.ttlSeconds
	username := strconv.FormatInt(expiry, 10) + ":" + m.prefix + ":" + session
	return Credentials{
		Username:   username,
		Credential: Sign(m.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

func (m *Minter) MintRandom() (Credentials, error) {
	return m.Mint(m.newSession())
}

// Sign computes the coturn credential for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
