package core

// Topic discovery (C6, §4.6). Three independent providers feed connection
// candidates into Transport.HandlePeerFound: local (mDNS, already wired by
// Transport itself), a Kademlia DHT lookup keyed by a deterministic
// topic-id, and a "Schelling-point" rendezvous that lets two peers who
// share a secret find each other without either one publishing it in the
// clear. core/node.go wires it for subscribed named topics only, with the
// topic name as the secret.
//
// Grounded on core/kademlia.go (distance-bucket DHT shape; superseded here
// by the real go-libp2p-kad-dht client, since the teacher's in-memory
// Kademlia has no network behavior to reuse) and core/module_plugin.go's
// small closed-set registrar (Register/RegisterModule), reworked into a
// DiscoveryProvider slice fed to a single maintenance loop, matching
// SPEC_FULL.md §9's "homogeneous providers behind one capability
// interface" design note.

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	btdht "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/bep44"
	"github.com/anacrolix/dht/v2/exts/getput"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	discoveryutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"graphchan/pkg/utils"
)

var discoveryLogger = logrus.StandardLogger()

// SetDiscoveryLogger overrides the package-level logger.
func SetDiscoveryLogger(l *logrus.Logger) { discoveryLogger = l }

// TopicIDForName derives the deterministic, public topic id for a named
// topic (§6.3: digest("topic:"+name)[0:32]).
func TopicIDForName(name string) string {
	sum := sha256.Sum256([]byte("topic:" + name))
	return fmt.Sprintf("%x", sum[:32])
}

// TopicIDForPeer derives a peer's personal feed topic id (§6.3:
// digest("peer:"+peer_id)[0:32]), used for profile/reaction fan-out that
// is not bound to any single thread.
func TopicIDForPeer(peerID string) string {
	sum := sha256.Sum256([]byte("peer:" + peerID))
	return fmt.Sprintf("%x", sum[:32])
}

// TopicIDForPrivateThread derives a private thread's topic id from its id
// and per-thread secret rather than a public name, so the topic id itself
// leaks no information about thread membership or content, and so two
// threads that happen to reuse a secret (e.g. after a rekey collision)
// never land on the same topic (§4.6, §4.10, §6.3: digest("orbweaver-
// private-v1:"+thread_id+":"+secret)).
func TopicIDForPrivateThread(threadID string, threadSecret []byte) string {
	sum := sha256.Sum256(append([]byte("orbweaver-private-v1:"+threadID+":"), threadSecret...))
	return fmt.Sprintf("%x", sum[:32])
}

// TopicIDForConversation derives a DM conversation's topic id from its
// conversation id and the two participants' shared ECDH secret, so the
// topic id is unguessable without the secret yet still scoped per
// conversation (§4.6, §4.10, §6.3: digest("orbweaver-dm-topic-v1:"+
// conversation_id+":"+dm_shared_secret)).
func TopicIDForConversation(conversationID string, dmSharedSecret []byte) string {
	sum := sha256.Sum256(append([]byte("orbweaver-dm-topic-v1:"+conversationID+":"), dmSharedSecret...))
	return fmt.Sprintf("%x", sum[:32])
}

// DiscoveryProvider finds connectable peers for a given topic id (§4.6).
// All three providers below implement it identically so the maintenance
// loop can treat them uniformly.
type DiscoveryProvider interface {
	Name() string
	FindPeers(ctx context.Context, topicID string) ([]peer.AddrInfo, error)
}

// TopicAdvertiser is implemented by providers that can also publish this
// node's presence under a topic, not just look other subscribers up (§4.6).
type TopicAdvertiser interface {
	Advertise(ctx context.Context, topicID string)
}

// Discovery runs the registered providers on a periodic schedule and
// funnels every result through the transport's connect path (§4.6, §5
// "periodic DHT/static-provider maintenance task").
type Discovery struct {
	t        *Transport
	interval time.Duration

	mu        sync.Mutex
	providers []DiscoveryProvider
	status    DHTStatus
}

// NewDiscovery creates a Discovery bound to a transport and provider list.
func NewDiscovery(t *Transport, interval time.Duration, providers ...DiscoveryProvider) *Discovery {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Discovery{t: t, providers: providers, interval: interval, status: DHTChecking}
}

// AddProvider registers a further provider after construction, used by the
// node bootstrap once the DHT client (which needs a running host and a
// context) is available.
func (d *Discovery) AddProvider(p DiscoveryProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers = append(d.providers, p)
}

// Status reports the current DHT reachability signal (§4.6 observability).
func (d *Discovery) Status() DHTStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Run starts the periodic maintenance loop; it blocks until ctx is
// cancelled.
func (d *Discovery) Run(ctx context.Context, topics func() []string) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.tick(ctx, topics())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx, topics())
		}
	}
}

func (d *Discovery) tick(ctx context.Context, topicIDs []string) {
	d.mu.Lock()
	providers := append([]DiscoveryProvider(nil), d.providers...)
	d.mu.Unlock()

	anyReachable := false
	for _, provider := range providers {
		for _, topicID := range topicIDs {
			if adv, ok := provider.(TopicAdvertiser); ok {
				adv.Advertise(ctx, topicID)
			}
			infos, err := provider.FindPeers(ctx, topicID)
			if err != nil {
				discoveryLogger.WithError(err).WithField("provider", provider.Name()).Debug("discovery lookup failed")
				continue
			}
			anyReachable = true
			for _, info := range infos {
				d.t.HandlePeerFound(info)
			}
		}
	}

	d.mu.Lock()
	if anyReachable {
		d.status = DHTConnected
	} else {
		d.status = DHTUnreachable
	}
	d.mu.Unlock()
}

// --- DHT provider ------------------------------------------------------

// KadDHTProvider advertises and discovers peers for a topic via
// go-libp2p-kad-dht's content-routing interface (§4.6 "stranger
// discovery").
type KadDHTProvider struct {
	dht       *dht.IpfsDHT
	discovery *drouting.RoutingDiscovery
}

// NewKadDHTProvider bootstraps a Kademlia DHT client over an existing
// transport host.
func NewKadDHTProvider(ctx context.Context, t *Transport, bootstrapPeers []peer.AddrInfo) (*KadDHTProvider, error) {
	kad, err := dht.New(ctx, t.Host(), dht.Mode(dht.ModeAuto))
	if err != nil {
		return nil, utils.Wrap(err, "create kad-dht")
	}
	if err := kad.Bootstrap(ctx); err != nil {
		discoveryLogger.WithError(err).Warn("dht bootstrap incomplete")
	}
	for _, bp := range bootstrapPeers {
		if err := t.Connect(ctx, bp); err != nil {
			discoveryLogger.WithError(err).WithField("peer", bp.ID.String()).Debug("dht bootstrap peer unreachable")
		}
	}
	return &KadDHTProvider{dht: kad, discovery: drouting.NewRoutingDiscovery(kad)}, nil
}

func (p *KadDHTProvider) Name() string { return "dht" }

// Advertise publishes this node's presence under a topic id (§4.6).
func (p *KadDHTProvider) Advertise(ctx context.Context, topicID string) {
	discoveryutil.Advertise(ctx, p.discovery, topicID)
}

func (p *KadDHTProvider) FindPeers(ctx context.Context, topicID string) ([]peer.AddrInfo, error) {
	ch, err := p.discovery.FindPeers(ctx, topicID)
	if err != nil {
		return nil, utils.Wrap(err, "dht find peers")
	}
	var out []peer.AddrInfo
	for info := range ch {
		out = append(out, info)
	}
	return out, nil
}

// --- Schelling-point provider --------------------------------------------

// EndpointDescriptor is the record a Schelling-point subscriber publishes:
// enough addressing detail to dial it directly, which the bare
// advertise-under-topic-id DHT record lacks (§4.6 layer 3).
type EndpointDescriptor struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
	RelayURL  string   `json:"relay_url,omitempty"`
}

// SchellingProvider rendezvouses with peers who share a topic name without
// either side publishing that name: every subscriber derives the same BEP44
// signing keypair from HKDF(topic_name, currentMinuteWindow), publishes its
// own endpoint descriptor under it — encrypted with a second key derived
// from the name alone — and reads back whatever another subscriber put
// there in the same window (§4.6). Only peers who know the name can derive
// the record's location or decrypt its value.
type SchellingProvider struct {
	server    *btdht.Server
	secretFor func(topicID string) (secret []byte, ok bool)
	local     func() EndpointDescriptor
}

// NewSchellingProvider opens a BitTorrent mainline DHT server for BEP44
// rendezvous records. secretFor maps a topic id back to the shared secret
// this node knows for it (core/node.go returns the topic name);
// topics with no known secret are skipped. local supplies this node's
// current endpoint descriptor at publish time.
func NewSchellingProvider(secretFor func(topicID string) ([]byte, bool), local func() EndpointDescriptor) (*SchellingProvider, error) {
	srv, err := btdht.NewServer(nil)
	if err != nil {
		return nil, utils.Wrap(err, "create mainline dht server")
	}
	return &SchellingProvider{server: srv, secretFor: secretFor, local: local}, nil
}

func (p *SchellingProvider) Name() string { return "schelling" }

// rendezvousSigningKey derives this window's shared BEP44 signing key:
// HKDF over the shared secret and the current UTC minute, so the record
// target rotates automatically and neither side needs to communicate it
// (§4.6 "HKDF(topic_name, minute_window)").
func rendezvousSigningKey(secret []byte, window time.Time) ed25519.PrivateKey {
	info := []byte(fmt.Sprintf("graphchan-schelling-v1:%d", window.UTC().Truncate(time.Minute).Unix()))
	r := hkdf.New(sha256.New, secret, nil, info)
	seed := make([]byte, ed25519.SeedSize)
	_, _ = io.ReadFull(r, seed)
	return ed25519.NewKeyFromSeed(seed)
}

func rendezvousTarget(priv ed25519.PrivateKey) bep44.Target {
	var pub [32]byte
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return bep44.MakeMutableTarget(pub, nil)
}

// Advertise publishes this node's encrypted endpoint descriptor under the
// current window's shared key (§4.6).
func (p *SchellingProvider) Advertise(ctx context.Context, topicID string) {
	secret, ok := p.secretFor(topicID)
	if !ok {
		return
	}
	raw, err := json.Marshal(p.local())
	if err != nil {
		return
	}
	encKey, err := deriveSymmetricKey(secret, "graphchan-schelling-enc-v1")
	if err != nil {
		return
	}
	sealed, err := Encrypt(encKey, raw, nil)
	if err != nil {
		return
	}
	priv := rendezvousSigningKey(secret, time.Now())
	item, err := bep44.NewItem(string(sealed), nil, time.Now().Unix(), 0, priv)
	if err != nil {
		discoveryLogger.WithError(err).Debug("schelling: build record failed")
		return
	}
	if _, err := getput.Put(ctx, rendezvousTarget(priv), p.server, nil, func(int64) bep44.Put {
		return item.ToPut()
	}); err != nil {
		discoveryLogger.WithError(err).Debug("schelling: put failed")
	}
}

func (p *SchellingProvider) FindPeers(ctx context.Context, topicID string) ([]peer.AddrInfo, error) {
	secret, ok := p.secretFor(topicID)
	if !ok {
		return nil, nil
	}
	priv := rendezvousSigningKey(secret, time.Now())
	res, _, err := getput.Get(ctx, rendezvousTarget(priv), p.server, nil, nil)
	if err != nil {
		return nil, utils.Wrap(err, "schelling get")
	}
	if len(res.V) == 0 {
		return nil, nil
	}
	sealed := []byte(res.V)
	encKey, err := deriveSymmetricKey(secret, "graphchan-schelling-enc-v1")
	if err != nil {
		return nil, err
	}
	raw, err := Decrypt(encKey, sealed, nil)
	if err != nil {
		return nil, utils.Wrap(err, "schelling decrypt record")
	}
	var desc EndpointDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, utils.Wrap(err, "schelling decode record")
	}
	var infos []peer.AddrInfo
	for _, a := range desc.Addresses {
		info, err := peer.AddrInfoFromString(a)
		if err != nil {
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// --- friend bootstrap provider -------------------------------------------

// FriendBootstrapProvider connects directly to addresses embedded in a
// decoded long-form friendcode (§4.2, §4.6 "friend bootstrap").
type FriendBootstrapProvider struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	addrs []peer.AddrInfo
}

// addAddress parses and appends a friendcode's advertised addresses,
// called by Node.AddFriend whenever a new friend is added at runtime and
// by the per-topic friend bootstrap. Addresses already known are skipped.
func (p *FriendBootstrapProvider) addAddress(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]struct{})
	}
	for _, a := range addrs {
		if _, ok := p.seen[a]; ok {
			continue
		}
		info, err := peer.AddrInfoFromString(a)
		if err != nil {
			discoveryLogger.WithError(err).WithField("addr", a).Debug("skipping unparseable friendcode address")
			continue
		}
		p.seen[a] = struct{}{}
		p.addrs = append(p.addrs, *info)
	}
}

// NewFriendBootstrapProvider parses a friendcode's advertised addresses.
func NewFriendBootstrapProvider(payload FriendcodePayload) *FriendBootstrapProvider {
	p := &FriendBootstrapProvider{}
	p.addAddress(payload.AdvertisedAddresses)
	return p
}

func (p *FriendBootstrapProvider) Name() string { return "friend" }

func (p *FriendBootstrapProvider) FindPeers(ctx context.Context, topicID string) ([]peer.AddrInfo, error) {
	_ = topicID
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]peer.AddrInfo(nil), p.addrs...), nil
}
