package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/strangercam/matchmaker/internal/config"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

// handleICE serves the RTCIceServer list browsers pass to RTCPeerConnection.
// With TURN REST enabled every TURN entry gets freshly minted credentials.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn != nil {
		creds, err := s.turn.MintRandom()
		if err != nil {
			s.log.Error("failed to mint TURN credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint TURN credentials"})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

func withTURNCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.HasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}
