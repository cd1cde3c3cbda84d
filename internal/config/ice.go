package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MATCHMAKER_ICE_SERVERS_JSON"
	envStunURLs       = "MATCHMAKER_STUN_URLS"
	envTurnURLs       = "MATCHMAKER_TURN_URLS"
	envTurnUsername   = "MATCHMAKER_TURN_USERNAME"
	envTurnCredential = "MATCHMAKER_TURN_CREDENTIAL"
)

// ICESources are the raw ICE settings. JSON, an RTCIceServer[] as browsers
// accept it, takes precedence over the comma-separated URL lists.
type ICESources struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

func (s ICESources) empty() bool {
	return strings.TrimSpace(s.JSON) == "" &&
		strings.TrimSpace(s.STUNURLs) == "" &&
		strings.TrimSpace(s.TURNURLs) == ""
}

// ResolveICEServers turns src into the list handed to clients. With nothing
// configured it falls back to DefaultSTUNURLs. When turnREST is set, TURN
// entries may omit credentials because they are minted per request.
func ResolveICEServers(src ICESources, turnREST bool) ([]webrtc.ICEServer, error) {
	if src.empty() {
		src.STUNURLs = DefaultSTUNURLs
	}
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		servers, err := parseICEJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitList(src.STUNURLs); len(urls) > 0 {
		s := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(s, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, s)
	}
	if urls := splitList(src.TURNURLs); len(urls) > 0 {
		s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(src.TURNUsername)}
		if cred := strings.TrimSpace(src.TURNCredential); cred != "" {
			s.Credential = cred
		}
		if err := checkICEServer(s, turnREST); err != nil {
			return nil, fmt.Errorf("%s (with %s/%s): %w", envTurnURLs, envTurnUsername, envTurnCredential, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

// urlList accepts both `"urls": "stun:..."` and `"urls": ["stun:..."]`.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if json.Unmarshal(b, &one) == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = many
	return nil
}

func parseICEJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		s := webrtc.ICEServer{
			URLs:     splitList(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if cred := strings.TrimSpace(e.Credential); cred != "" {
			s.Credential = cred
		}
		if err := checkICEServer(s, turnREST); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func checkICEServer(s webrtc.ICEServer, turnREST bool) error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range s.URLs {
		switch iceScheme(u) {
		case "stun", "stuns", "turn", "turns":
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if turnREST || !HasTURNURL(s) {
		return nil
	}
	if s.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := s.Credential.(string); cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

// HasTURNURL reports whether s lists any turn: or turns: URL.
func HasTURNURL(s webrtc.ICEServer) bool {
	for _, u := range s.URLs {
		if sc := iceScheme(u); sc == "turn" || sc == "turns" {
			return true
		}
	}
	return false
}

func iceScheme(u string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(u), ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
