// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// dataChannelLabel names the single channel each peer connection
// carries.
const dataChannelLabel = "crann"

const (
	defaultPollInterval  = 100 * time.Millisecond
	defaultGatherTimeout = 10 * time.Second
)

// WebRTCConfig configures both ends of a WebRTC connection.
type WebRTCConfig struct {
	// Name identifies this peer to the signaler. A listener is found
	// under it; a dialer offers under Name plus a random suffix.
	Name     string
	Signaler Signaler

	// ICEServers lists STUN and TURN servers. Empty gathers host
	// candidates only, which includes loopback.
	ICEServers []webrtc.ICEServer

	// PollInterval is how often the signaler is polled. Defaults to
	// 100ms.
	PollInterval time.Duration

	// GatherTimeout bounds ICE candidate gathering. Defaults to 10s.
	GatherTimeout time.Duration

	Logger *slog.Logger
}

func (c *WebRTCConfig) validate() error {
	if c.Name == "" {
		return errors.New("webrtc: Name is required")
	}
	if c.Signaler == nil {
		return errors.New("webrtc: Signaler is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = defaultGatherTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return nil
}

// newPeerConnection builds a peer connection that includes loopback
// candidates, so peers on one host connect without STUN.
func newPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// gather waits for vanilla ICE gathering after SetLocalDescription and
// returns the complete local description.
func gather(ctx context.Context, connection *webrtc.PeerConnection, description webrtc.SessionDescription, timeout time.Duration) (string, error) {
	complete := webrtc.GatheringCompletePromise(connection)
	if err := connection.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		return "", fmt.Errorf("ICE gathering timed out after %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return connection.LocalDescription().SDP, nil
}

// DialWebRTC connects to the listener registered as target and returns
// once the data channel is open.
func DialWebRTC(ctx context.Context, config WebRTCConfig, target string) (*DataChannelPort, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	name := config.Name + "-" + uuid.NewString()

	connection, err := newPeerConnection(config.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("dial %s: creating peer connection: %w", target, err)
	}
	ordered := true
	channel, err := connection.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("dial %s: creating data channel: %w", target, err)
	}
	port := newDataChannelPort(connection, channel)
	opened := make(chan struct{})
	channel.OnOpen(func() { close(opened) })

	fail := func(err error) (*DataChannelPort, error) {
		port.Close()
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	offer, err := connection.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating offer: %w", err))
	}
	sdp, err := gather(ctx, connection, offer, config.GatherTimeout)
	if err != nil {
		return fail(err)
	}
	if err := config.Signaler.PublishOffer(ctx, name, target, sdp); err != nil {
		return fail(fmt.Errorf("publishing offer: %w", err))
	}
	config.Logger.Debug("webrtc offer published", "name", name, "target", target)

	answer, err := awaitAnswer(ctx, config, name, target)
	if err != nil {
		return fail(err)
	}
	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}

	select {
	case <-opened:
		return port, nil
	case <-port.Done():
		return fail(ErrClosed)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

func awaitAnswer(ctx context.Context, config WebRTCConfig, name, target string) (string, error) {
	ticker := time.NewTicker(config.PollInterval)
	defer ticker.Stop()
	for {
		answers, err := config.Signaler.PollAnswers(ctx, name)
		if err != nil {
			config.Logger.Warn("polling for webrtc answer failed", "error", err)
		}
		for _, answer := range answers {
			if answer.Peer == target {
				return answer.SDP, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for answer: %w", ctx.Err())
		}
	}
}

type acceptedPort struct {
	port     *DataChannelPort
	metadata Metadata
}

// WebRTCListener answers offers addressed to its name and yields a
// DataChannelPort for each peer whose channel opens.
type WebRTCListener struct {
	config WebRTCConfig

	accepted chan acceptedPort
	closed   chan struct{}
	stopped  chan struct{}
	stop     context.CancelFunc
	once     sync.Once

	mu      sync.Mutex
	pending map[*webrtc.PeerConnection]struct{}
}

// ListenWebRTC starts polling for offers addressed to config.Name.
func ListenWebRTC(config WebRTCConfig) (*WebRTCListener, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	ctx, stop := context.WithCancel(context.Background())
	l := &WebRTCListener{
		config:   config,
		accepted: make(chan acceptedPort),
		closed:   make(chan struct{}),
		stopped:  make(chan struct{}),
		stop:     stop,
		pending:  make(map[*webrtc.PeerConnection]struct{}),
	}
	go l.pollOffers(ctx)
	return l, nil
}

// Addr implements Acceptor.
func (l *WebRTCListener) Addr() string {
	return "webrtc:" + l.config.Name
}

// Accept implements Acceptor. Metadata names the transport and the
// offering peer.
func (l *WebRTCListener) Accept(ctx context.Context) (Port, Metadata, error) {
	select {
	case accepted := <-l.accepted:
		return accepted.port, accepted.metadata, nil
	case <-l.closed:
		return nil, nil, ErrClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close stops answering offers and closes connections that were never
// accepted. Accepted ports stay open.
func (l *WebRTCListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.stop()
		<-l.stopped

		l.mu.Lock()
		pending := l.pending
		l.pending = nil
		l.mu.Unlock()
		for connection := range pending {
			connection.Close()
		}
	})
	return nil
}

func (l *WebRTCListener) pollOffers(ctx context.Context) {
	defer close(l.stopped)
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		offers, err := l.config.Signaler.PollOffers(ctx, l.config.Name)
		if err != nil {
			l.config.Logger.Warn("polling for webrtc offers failed", "error", err)
			continue
		}
		for _, offer := range offers {
			if err := l.answer(ctx, offer); err != nil {
				l.config.Logger.Warn("answering webrtc offer failed", "peer", offer.Peer, "error", err)
			}
		}
	}
}

func (l *WebRTCListener) track(connection *webrtc.PeerConnection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return false
	}
	l.pending[connection] = struct{}{}
	return true
}

func (l *WebRTCListener) untrack(connection *webrtc.PeerConnection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, connection)
}

func (l *WebRTCListener) answer(ctx context.Context, offer Signal) error {
	connection, err := newPeerConnection(l.config.ICEServers)
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	if !l.track(connection) {
		connection.Close()
		return ErrClosed
	}
	fail := func(err error) error {
		l.untrack(connection)
		connection.Close()
		return err
	}

	metadata := Metadata{"transport": "webrtc", "peer": offer.Peer}
	connection.OnDataChannel(func(channel *webrtc.DataChannel) {
		if channel.Label() != dataChannelLabel {
			l.config.Logger.Warn("ignoring unexpected data channel", "peer", offer.Peer, "label", channel.Label())
			return
		}
		port := newDataChannelPort(connection, channel)
		channel.OnOpen(func() {
			l.untrack(connection)
			go l.deliver(port, metadata)
		})
	})

	if err := connection.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}
	answer, err := connection.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating answer: %w", err))
	}
	sdp, err := gather(ctx, connection, answer, l.config.GatherTimeout)
	if err != nil {
		return fail(err)
	}
	if err := l.config.Signaler.PublishAnswer(ctx, offer.Peer, l.config.Name, sdp); err != nil {
		return fail(fmt.Errorf("publishing answer: %w", err))
	}
	l.config.Logger.Debug("webrtc offer answered", "peer", offer.Peer)
	return nil
}

func (l *WebRTCListener) deliver(port *DataChannelPort, metadata Metadata) {
	select {
	case l.accepted <- acceptedPort{port: port, metadata: metadata}:
	case <-l.closed:
		port.Close()
	case <-port.Done():
	}
}
