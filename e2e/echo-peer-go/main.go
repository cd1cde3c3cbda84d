// echo-peer-go joins the matchmaker as a bot. It echoes chat back to
// whoever it is paired with, opens a WebRTC data channel through the relayed
// negotiation and echoes data channel messages too. When its partner leaves
// it searches again.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangercam/matchmaker/internal/peerclient"
)

func main() {
	var (
		url       string
		iceURL    string
		origin    string
		stunURLs  string
		skipAfter time.Duration
	)
	flag.StringVar(&url, "url", envOrDefault("MATCHMAKER_WS_URL", "ws://127.0.0.1:8080/ws"), "signaling WebSocket URL")
	flag.StringVar(&iceURL, "ice-url", envOrDefault("MATCHMAKER_ICE_URL", ""), "optional /webrtc/ice URL to fetch ICE servers from")
	flag.StringVar(&origin, "origin", "", "Origin header to send with the handshake")
	flag.StringVar(&stunURLs, "stun-urls", "", "comma-separated STUN URLs (ignored when -ice-url is set)")
	flag.DurationVar(&skipAfter, "skip-after", 0, "skip each partner after this long (0 = never)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers, err := resolveICEServers(ctx, iceURL, stunURLs)
	if err != nil {
		logger.Error("failed to resolve ICE servers", "err", err)
		os.Exit(1)
	}

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	var client *peerclient.Client
	paired := make(chan struct{}, 1)
	idle := make(chan struct{}, 1)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err = peerclient.Dial(dialCtx, url, peerclient.Config{
		ICEServers: iceServers,
		Header:     header,
		Logger:     logger,
		OnPaired: func(partner string, initiator bool) {
			logger.Info("paired", "partner", partner, "initiator", initiator)
			notify(paired)
		},
		OnPartnerDisconnected: func() {
			logger.Info("partner disconnected")
			notify(idle)
		},
		OnChat: func(text string) {
			if err := client.SendChat("echo: " + text); err != nil {
				logger.Warn("echo chat failed", "err", err)
			}
		},
		OnDataChannel: func(dc *webrtc.DataChannel) {
			dc.OnOpen(func() { logger.Info("data channel open", "label", dc.Label()) })
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if msg.IsString {
					_ = dc.SendText(string(msg.Data))
					return
				}
				_ = dc.Send(msg.Data)
			})
		},
	})
	cancel()
	if err != nil {
		logger.Error("failed to connect", "url", url, "err", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Printf("READY %s\n", client.ID())
	if err := client.StartSearch(); err != nil {
		logger.Error("start search failed", "err", err)
		os.Exit(1)
	}

	var skip <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			if err := client.Err(); err != nil {
				logger.Error("signaling connection lost", "err", err)
				os.Exit(1)
			}
			return
		case <-paired:
			if skipAfter > 0 {
				skip = time.After(skipAfter)
			}
		case <-skip:
			skip = nil
			if err := client.Next(); err != nil {
				logger.Warn("next failed", "err", err)
			}
		case <-idle:
			skip = nil
			if err := client.StartSearch(); err != nil {
				logger.Warn("start search failed", "err", err)
			}
		}
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func resolveICEServers(ctx context.Context, iceURL, stunURLs string) ([]webrtc.ICEServer, error) {
	if iceURL == "" {
		var out []webrtc.ICEServer
		for _, u := range strings.Split(stunURLs, ",") {
			if u = strings.TrimSpace(u); u != "" {
				out = append(out, webrtc.ICEServer{URLs: []string{u}})
			}
		}
		return out, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", iceURL, resp.Status)
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	if body.ICEServers == nil {
		return nil, errors.New("response has no iceServers")
	}
	return body.ICEServers, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
