package livechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Push nudges
// ============================================================================

const (
	pushBaseDelay         = 1 * time.Second
	pushMaxDelay          = 30 * time.Second
	pushHeartbeatInterval = 25 * time.Second
	pushPingTimeout       = 10 * time.Second
)

// pushEvent is a server nudge. Only its type is read; the history poll
// fetches the data.
type pushEvent struct {
	Type string `json:"type"`
}

// reconnector computes exponential backoff with jitter. The attempt count
// resets once a connection has stayed up for a minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// pushChannel keeps a WebSocket open to the push endpoint and calls
// onNudge whenever the server announces new history. It never applies
// data itself.
type pushChannel struct {
	url     string
	log     *slog.Logger
	onNudge func()
	recon   *reconnector
}

func pushURL(host string, params url.Values) string {
	u := strings.Replace(strings.TrimRight(host, "/"), "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += PathPush
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

func newPushChannel(host string, params url.Values, log *slog.Logger, onNudge func()) *pushChannel {
	return &pushChannel{
		url:     pushURL(host, params),
		log:     log.With("component", "push"),
		onNudge: onNudge,
		recon:   &reconnector{baseDelay: pushBaseDelay, maxDelay: pushMaxDelay},
	}
}

// run connects and reconnects until ctx is done.
func (p *pushChannel) run(ctx context.Context) {
	for {
		err := p.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		delay := p.recon.nextDelay()
		p.log.Debug("push channel disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// connect holds one connection until it fails.
func (p *pushChannel) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	p.recon.markConnected()
	p.log.Debug("push channel connected")

	// Wake a poll right away: nudges sent while disconnected are lost.
	p.onNudge()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(connCtx, conn)
	return p.readLoop(connCtx, conn)
}

func (p *pushChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev pushEvent
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		switch ev.Type {
		case "history", "delta":
			p.onNudge()
		}
	}
}

func (p *pushChannel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pushHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pushPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
