package core

// Transport (C4, §4.4). Wraps a libp2p host: one multiplexed connection per
// peer, ALPN-style protocol routing (a GossipSub instance for C5 plus a
// dedicated blob-transfer stream protocol for C9), best-effort NAT
// traversal, and a pluggable discovery-provider hook so C6's
// friend/DHT/Schelling-point providers can feed connection candidates in
// without this file knowing about any of them.
//
// Grounded on core/network.go's NewNode (libp2p.New + pubsub.NewGossipSub +
// mDNS notifee wiring) and core/nat_traversal.go's NAT manager, reworked
// into an explicit value returned to the caller rather than a package
// singleton, per SPEC_FULL.md §9's "construct explicit values, wire them
// together in main" design note.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"

	"graphchan/pkg/utils"
)

var transportLogger = logrus.StandardLogger()

// SetTransportLogger overrides the package-level logger.
func SetTransportLogger(l *logrus.Logger) { transportLogger = l }

// BlobProtocolID is the ALPN-style stream protocol C9 uses to pull blob
// bytes from a peer that already has them (§4.3, §4.9).
const BlobProtocolID = protocol.ID("/graphchan/blob/1.0.0")

// DiscoveryTag is the mDNS service tag used for LAN peer discovery
// (§4.4, §4.6 "local" provider).
const DiscoveryTag = "graphchan-mdns"

// PeerFoundHandler receives newly discovered peers from any discovery source
// (mDNS, DHT, Schelling-point, friend bootstrap). C6 providers call
// Transport.HandlePeerFound directly; this callback type lets callers observe
// connection attempts for logging/metrics without coupling to libp2p types.
type PeerFoundHandler func(info peer.AddrInfo)

// Transport owns the libp2p host and the single GossipSub instance shared
// by every topic C5 joins.
type Transport struct {
	host   host.Host
	pubsub *pubsub.PubSub
	nat    *NATManager

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	onPeerFound []PeerFoundHandler
}

// TransportConfig mirrors the subset of pkg/config.Config.Network this
// layer consumes.
type TransportConfig struct {
	ListenAddr          string
	DisableDHT          bool
	DisableLANDiscovery bool
}

// NewTransport builds a libp2p host, attaches GossipSub, attempts NAT port
// mapping, and (unless disabled) starts mDNS discovery (§4.4).
func NewTransport(cfg TransportConfig) (*Transport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, utils.Wrap(err, "create libp2p host")
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, utils.Wrap(err, "create gossipsub")
	}

	t := &Transport{host: h, pubsub: ps, ctx: ctx, cancel: cancel}

	if nat, err := DiscoverNAT(); err != nil {
		transportLogger.WithError(err).Warn("nat discovery failed")
	} else if nat != nil {
		t.nat = nat
		if port, err := tcpPortOf(cfg.ListenAddr); err == nil {
			nat.Map(port)
		}
	}

	if !cfg.DisableLANDiscovery {
		if err := mdns.NewMdnsService(h, DiscoveryTag, mdnsNotifee{t}).Start(); err != nil {
			transportLogger.WithError(err).Warn("mdns discovery failed to start")
		}
	}

	return t, nil
}

// mdnsNotifee adapts Transport to mdns.Notifee without exposing the
// HandlePeerFound method as part of Transport's own signature ambiguity
// (multiple discovery sources call the same underlying connect logic).
type mdnsNotifee struct{ t *Transport }

func (n mdnsNotifee) HandlePeerFound(info peer.AddrInfo) { n.t.HandlePeerFound(info) }

// Host exposes the underlying libp2p host for callers (C6's DHT client)
// that need to construct their own services against it.
func (t *Transport) Host() host.Host { return t.host }

// PubSub exposes the shared GossipSub instance for C5.
func (t *Transport) PubSub() *pubsub.PubSub { return t.pubsub }

// ID returns this node's transport-layer peer id.
func (t *Transport) ID() string { return t.host.ID().String() }

// ListenAddresses returns the host's currently bound multiaddresses as
// strings, suitable for a friendcode's advertised_addresses (§6.1).
func (t *Transport) ListenAddresses() []string {
	var out []string
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

// OnPeerFound registers a callback invoked whenever a discovery source
// reports a connectable peer, before the connection attempt is made.
func (t *Transport) OnPeerFound(h PeerFoundHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeerFound = append(t.onPeerFound, h)
}

// HandlePeerFound connects to a newly discovered peer. It is the single
// entry point every C6 discovery provider (mDNS, DHT, Schelling-point,
// friend bootstrap) funnels through, so connection bookkeeping lives in
// one place regardless of which provider found the peer.
func (t *Transport) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == t.host.ID() {
		return
	}
	if t.host.Network().Connectedness(info.ID) == network.Connected {
		return
	}

	t.mu.RLock()
	handlers := append([]PeerFoundHandler(nil), t.onPeerFound...)
	t.mu.RUnlock()
	for _, h := range handlers {
		h(info)
	}

	t.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	ctx, cancel := context.WithTimeout(t.ctx, 10*time.Second)
	defer cancel()
	if err := t.host.Connect(ctx, info); err != nil {
		transportLogger.WithError(err).WithField("peer", info.ID.String()).Debug("connect failed")
		return
	}
	transportLogger.WithField("peer", info.ID.String()).Info("connected to peer")
}

// Connect dials a peer directly, used for friend-bootstrap addresses
// parsed from a decoded friendcode (§4.2, §4.4).
func (t *Transport) Connect(ctx context.Context, info peer.AddrInfo) error {
	if err := t.host.Connect(ctx, info); err != nil {
		return utils.Wrap(err, "connect to peer")
	}
	return nil
}

// SetStreamHandler registers a handler for an ALPN-style protocol
// (§4.4 "protocol multiplexing"). C9 uses this to serve BlobProtocolID.
func (t *Transport) SetStreamHandler(proto protocol.ID, handler network.StreamHandler) {
	t.host.SetStreamHandler(proto, handler)
}

// OpenStream opens a new stream to a peer under the given protocol.
func (t *Transport) OpenStream(ctx context.Context, p peer.ID, proto protocol.ID) (network.Stream, error) {
	s, err := t.host.NewStream(ctx, p, proto)
	if err != nil {
		return nil, utils.Wrap(err, "open stream")
	}
	return s, nil
}

// Close shuts down the host, releasing the NAT mapping first.
func (t *Transport) Close() error {
	if t.nat != nil {
		t.nat.Unmap()
	}
	t.cancel()
	return t.host.Close()
}
