// Package ws implements the connection registry: WebSocket sessions
// indexed by user and by channel, with heartbeat eviction.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/Strob0t/synchub/internal/domain"
)

// readLimit caps a single inbound frame.
const readLimit = 64 << 10

// HandleWS upgrades the request, authenticates the first frame and serves
// the connection until it closes. No registry state exists for a socket
// that fails the handshake.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	userID, err := r.handshake(ctx, conn)
	if err != nil {
		slog.Warn("websocket handshake rejected", "remote", req.RemoteAddr, "error", err)
		r.reject(ctx, conn, err)
		return
	}

	c := r.newClient(conn, cancel, userID, map[string]string{
		"remote_addr": req.RemoteAddr,
		"user_agent":  req.UserAgent(),
	})
	r.insert(c)
	slog.Info("websocket connected", "connection_id", c.ID, "user_id", userID, "remote", req.RemoteAddr)

	r.SendToConnection(ctx, c.ID, WelcomeFrame{
		Type:         FrameWelcome,
		ConnectionID: c.ID,
		Timestamp:    timestamp(c.ConnectedAt),
	})

	r.readLoop(ctx, c)
}

type frameResult struct {
	data []byte
	err  error
}

// handshake waits a bounded time for {"token","user_id"} and validates it.
// The read runs on ctx, not the deadline: an expired read context drops the
// TCP connection without a close frame.
func (r *Registry) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout)
	defer cancel()

	first := make(chan frameResult, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		first <- frameResult{data: data, err: err}
	}()

	var data []byte
	select {
	case res := <-first:
		if res.err != nil {
			return "", fmt.Errorf("%w: no credential received: %v", domain.ErrAuthentication, res.err)
		}
		data = res.data
	case <-hctx.Done():
		return "", fmt.Errorf("%w: no credential within %s", domain.ErrAuthentication, r.handshakeTimeout)
	}

	var hs inbound
	if err := json.Unmarshal(data, &hs); err != nil {
		return "", fmt.Errorf("%w: malformed handshake", domain.ErrAuthentication)
	}
	if hs.Token == "" {
		return "", fmt.Errorf("%w: token is required", domain.ErrAuthentication)
	}
	if r.validator == nil {
		return "", fmt.Errorf("%w: no validator configured", domain.ErrAuthentication)
	}

	userID, err := r.validator.Validate(hctx, hs.Token)
	if err != nil {
		return "", err
	}
	if hs.UserID != "" && hs.UserID != userID {
		return "", fmt.Errorf("%w: user_id does not match token", domain.ErrAuthentication)
	}
	return userID, nil
}

func (r *Registry) reject(ctx context.Context, conn *websocket.Conn, err error) {
	msg := "authentication failed"
	if !errors.Is(err, domain.ErrAuthentication) {
		msg = "authentication unavailable"
	}
	if data, mErr := json.Marshal(ErrorFrame{Type: FrameAuthError, Message: msg}); mErr == nil {
		wctx, cancel := context.WithTimeout(ctx, r.handshakeTimeout)
		_ = conn.Write(wctx, websocket.MessageText, data)
		cancel()
	}
	_ = conn.Close(websocket.StatusPolicyViolation, msg)
}

// readLoop handles client frames until the socket fails, then cleans up.
func (r *Registry) readLoop(ctx context.Context, c *Client) {
	defer r.Cleanup(c.ID)

	conn, ok := c.sock.(*websocket.Conn)
	if !ok {
		return
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		r.handleFrame(ctx, c, data)
	}
}

// handleFrame dispatches one client frame.
func (r *Registry) handleFrame(ctx context.Context, c *Client, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		r.SendToConnection(ctx, c.ID, ErrorFrame{Type: FrameError, Message: "invalid JSON"})
		return
	}

	switch in.Type {
	case FramePing:
		r.touch(c.ID)
		r.SendToConnection(ctx, c.ID, SimpleFrame{Type: FramePong, Timestamp: timestamp(r.now())})

	case FramePong:
		r.touch(c.ID)

	case FrameSubscribe:
		if in.Channel == "" {
			r.SendToConnection(ctx, c.ID, ErrorFrame{Type: FrameError, Message: "channel is required"})
			return
		}
		r.Subscribe(c.ID, in.Channel)
		r.SendToConnection(ctx, c.ID, ChannelFrame{Type: FrameSubscribed, Channel: in.Channel})

	case FrameUnsubscribe:
		if in.Channel == "" {
			r.SendToConnection(ctx, c.ID, ErrorFrame{Type: FrameError, Message: "channel is required"})
			return
		}
		r.Unsubscribe(c.ID, in.Channel)
		r.SendToConnection(ctx, c.ID, ChannelFrame{Type: FrameUnsubscribed, Channel: in.Channel})

	case FrameSendMessage:
		r.relay(ctx, c, &in)

	default:
		r.SendToConnection(ctx, c.ID, ErrorFrame{Type: FrameError, Message: "unknown message type: " + in.Type})
	}
}

// relay forwards a send_message frame to its target.
func (r *Registry) relay(ctx context.Context, from *Client, in *inbound) {
	msg := RelayFrame{
		Type:      FrameMessage,
		From:      from.UserID,
		Message:   in.Message,
		Timestamp: timestamp(r.now()),
	}

	var sent int
	switch in.TargetType {
	case TargetUser:
		sent = r.SendToUser(ctx, in.Target, msg)
	case TargetChannel:
		sent = r.SendToChannel(ctx, in.Target, msg)
	case TargetBroadcast:
		sent = r.Broadcast(ctx, msg)
	default:
		r.SendToConnection(ctx, from.ID, ErrorFrame{Type: FrameError, Message: "invalid target_type: " + in.TargetType})
		return
	}
	slog.Debug("websocket message relayed", "from", from.UserID, "target_type", in.TargetType, "target", in.Target, "sent", sent)
}
