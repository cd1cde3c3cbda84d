package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedNow(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestMint_Deterministic(t *testing.T) {
	m, err := NewMinter(Options{
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "strangercam",
		Now:            fixedNow(1_700_000_000),
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}

	creds, err := m.Mint("conn42")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if want := "1700003600:strangercam:conn42"; creds.Username != want {
		t.Fatalf("Username=%q, want %q", creds.Username, want)
	}
	if !creds.Expires.Equal(time.Unix(1_700_003_600, 0)) {
		t.Fatalf("Expires=%v", creds.Expires)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(creds.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestMint_ExpiryTracksClock(t *testing.T) {
	now := int64(100)
	m, err := NewMinter(Options{
		SharedSecret:   "s",
		TTL:            10 * time.Second,
		UsernamePrefix: "p",
		Now:            func() time.Time { return time.Unix(now, 0) },
	})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	a, _ := m.Mint("x")
	now = 105
	b, _ := m.Mint("x")
	if a.Username == b.Username || a.Credential == b.Credential {
		t.Fatalf("credentials did not change with the clock: %+v %+v", a, b)
	}
	if !strings.HasPrefix(b.Username, "115:") {
		t.Fatalf("Username=%q", b.Username)
	}
}

func TestMintRandom(t *testing.T) {
	m, err := NewMinter(Options{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	a, err := m.MintRandom()
	if err != nil {
		t.Fatalf("MintRandom: %v", err)
	}
	b, err := m.MintRandom()
	if err != nil {
		t.Fatalf("MintRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("random sessions collided: %q", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[1] != "p" || parts[2] == "" {
		t.Fatalf("Username=%q", a.Username)
	}
}

func TestNewMinter_Validation(t *testing.T) {
	cases := []struct {
		opts Options
		want error
	}{
		{Options{TTL: time.Minute, UsernamePrefix: "p"}, ErrMissingSecret},
		{Options{SharedSecret: "s", UsernamePrefix: "p"}, ErrInvalidTTL},
		{Options{SharedSecret: "s", TTL: 500 * time.Millisecond, UsernamePrefix: "p"}, ErrInvalidTTL},
		{Options{SharedSecret: "s", TTL: time.Minute}, ErrInvalidPrefix},
		{Options{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "a:b"}, ErrInvalidPrefix},
	}
	for _, tc := range cases {
		if _, err := NewMinter(tc.opts); !errors.Is(err, tc.want) {
			t.Errorf("NewMinter(%+v) err=%v, want %v", tc.opts, err, tc.want)
		}
	}
}

func TestMint_RejectsBadSession(t *testing.T) {
	m, err := NewMinter(Options{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	for _, session := range []string{"", "a:b"} {
		if _, err := m.Mint(session); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Mint(%q) err=%v", session, err)
		}
	}
}
