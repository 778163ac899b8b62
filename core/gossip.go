package core

// Gossip mesh (C5, §4.5). A thin topic-lifecycle layer over the
// transport's shared GossipSub instance: join/leave a topic, broadcast
// bytes to it, and receive a stream of (from-peer, bytes) pairs with
// neighbor up/down notifications layered on top of libp2p's own peer
// events.
//
// Grounded on core/peer_management.go's PeerManagement (subs map keyed by
// topic name, AdvertiseSelf/Broadcast) and core/network.go's topic map,
// collapsed here into one Mesh type since SPEC_FULL.md keeps gossip and
// peer bookkeeping as a single component (C5) rather than the teacher's
// Node/PeerManagement split.

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"graphchan/pkg/utils"
)

var gossipLogger = logrus.StandardLogger()

// SetGossipLogger overrides the package-level logger.
func SetGossipLogger(l *logrus.Logger) { gossipLogger = l }

// GossipMessage is a single inbound broadcast, tagged with the peer that
// relayed it to us (not necessarily its original author — §4.7 envelopes
// carry their own signature for that) (§4.5).
type GossipMessage struct {
	TopicID string
	From    peer.ID
	Data    []byte
}

// NeighborEvent reports a mesh peer joining or leaving a topic (§4.5
// "neighbor up/down events").
type NeighborEvent struct {
	TopicID string
	Peer    peer.ID
	Up      bool
}

// Mesh manages this node's joined GossipSub topics.
type Mesh struct {
	t *Transport

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription
	evts   map[string]*pubsub.TopicEventHandler
	cancel map[string]context.CancelFunc
}

// NewMesh creates a Mesh bound to a Transport's shared pubsub instance.
func NewMesh(t *Transport) *Mesh {
	return &Mesh{
		t:      t,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		evts:   make(map[string]*pubsub.TopicEventHandler),
		cancel: make(map[string]context.CancelFunc),
	}
}

// Join subscribes to a topic, returning channels of inbound messages and
// neighbor events. Joining a topic already joined returns an error wrapping
// ErrBackpressure and no channels, so each topic is joined exactly once,
// matching §4.5's "one receiver goroutine per topic".
func (m *Mesh) Join(topicID string) (<-chan GossipMessage, <-chan NeighborEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.topics[topicID]; ok {
		return nil, nil, utils.Wrap(ErrBackpressure, "topic already joined: "+topicID)
	}

	topic, err := m.t.pubsub.Join(topicID)
	if err != nil {
		return nil, nil, utils.Wrap(err, "join topic")
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, nil, utils.Wrap(err, "subscribe topic")
	}
	evtHandler, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		topic.Close()
		return nil, nil, utils.Wrap(err, "topic event handler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan GossipMessage, 64)
	neighbors := make(chan NeighborEvent, 16)

	m.topics[topicID] = topic
	m.subs[topicID] = sub
	m.evts[topicID] = evtHandler
	m.cancel[topicID] = cancel

	go m.receiveLoop(ctx, topicID, sub, msgs)
	go m.eventLoop(ctx, topicID, evtHandler, neighbors)

	return msgs, neighbors, nil
}

func (m *Mesh) receiveLoop(ctx context.Context, topicID string, sub *pubsub.Subscription, out chan<- GossipMessage) {
	defer close(out)
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				gossipLogger.WithError(err).WithField("topic", topicID).Debug("gossip receive ended")
			}
			return
		}
		if msg.ReceivedFrom == m.t.host.ID() {
			continue // GossipSub delivers our own publishes back to us
		}
		select {
		case out <- GossipMessage{TopicID: topicID, From: msg.ReceivedFrom, Data: msg.Data}:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Mesh) eventLoop(ctx context.Context, topicID string, evtHandler *pubsub.TopicEventHandler, out chan<- NeighborEvent) {
	defer close(out)
	for {
		evt, err := evtHandler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		up := evt.Type == pubsub.PeerJoin
		select {
		case out <- NeighborEvent{TopicID: topicID, Peer: evt.Peer, Up: up}:
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast publishes data to a joined topic (§4.5, §4.7 outbound fan-out).
func (m *Mesh) Broadcast(ctx context.Context, topicID string, data []byte) error {
	m.mu.Lock()
	topic, ok := m.topics[topicID]
	m.mu.Unlock()
	if !ok {
		return utils.Wrap(ErrNotFound, "broadcast to unjoined topic "+topicID)
	}
	if err := topic.Publish(ctx, data); err != nil {
		return utils.Wrap(err, "publish")
	}
	return nil
}

// Leave unsubscribes and releases a topic's resources (§4.5).
func (m *Mesh) Leave(topicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancel[topicID]; ok {
		cancel()
		delete(m.cancel, topicID)
	}
	if evt, ok := m.evts[topicID]; ok {
		evt.Cancel()
		delete(m.evts, topicID)
	}
	if sub, ok := m.subs[topicID]; ok {
		sub.Cancel()
		delete(m.subs, topicID)
	}
	if topic, ok := m.topics[topicID]; ok {
		delete(m.topics, topicID)
		if err := topic.Close(); err != nil {
			return utils.Wrap(err, "close topic")
		}
	}
	return nil
}

// Joined reports whether a topic is currently joined.
func (m *Mesh) Joined(topicID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topicID]
	return ok
}
