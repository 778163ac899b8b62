package core

// Outbound publisher (C7, §4.7). A single task drains a queue of envelopes
// and broadcasts each to the topic its caller or routing policy selects —
// thread announcements to named, private-thread or peer topics chosen by
// the caller, post/file/profile/reaction/block events to the author's
// peer-feed topic, DMs to the conversation topic and key-wraps to the
// recipient's peer topic. One goroutine, one send at a time, matching §5's "single
// outbound publisher task" concurrency rule.
//
// Grounded on core/replication.go's Replicator (a single logger-wrapped
// service looping over a channel, broadcasting via the peer manager).

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"graphchan/pkg/utils"
)

var publisherLogger = logrus.StandardLogger()

// SetPublisherLogger overrides the package-level logger.
func SetPublisherLogger(l *logrus.Logger) { publisherLogger = l }

// RoutingPolicy resolves which topic id an envelope should be broadcast to
// (§4.7 "routing policy per event type").
type RoutingPolicy func(env Envelope) (topicID string, err error)

// DefaultRoutingPolicy implements the peer-scoped part of §4.7's routing
// table: ProfileUpdate, ReactionUpdate, BlockAction, PostUpdate and
// FileAvailable go to the announcer's personal feed topic. Every other kind
// (ThreadAnnouncement, DirectMessageEvent, ThreadKeyWrap) returns an error
// here, because its topic id is not recoverable from the envelope alone;
// callers send those with PublishToTopic and an explicit topic id.
func DefaultRoutingPolicy(env Envelope) (string, error) {
	switch env.Kind {
	case EventProfileUpdate, EventReactionUpdate, EventBlockAction, EventPostUpdate, EventFileAvailable:
		return TopicIDForPeer(env.AnnouncerPeerID), nil
	default:
		return "", fmt.Errorf("publisher: %q requires an explicit topic id", env.Kind)
	}
}

type outboxItem struct {
	topicID string
	env     Envelope
}

// Publisher owns the single outbound fan-out task.
type Publisher struct {
	mesh   *Mesh
	policy RoutingPolicy

	queue  chan outboxItem
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPublisher creates a Publisher bound to a Mesh. bufferSize bounds how
// many pending envelopes may queue; once it is full, PublishToTopic returns
// an error wrapping ErrBackpressure, the backpressure point §4.7/§5 expect.
func NewPublisher(mesh *Mesh, policy RoutingPolicy, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if policy == nil {
		policy = DefaultRoutingPolicy
	}
	return &Publisher{mesh: mesh, policy: policy, queue: make(chan outboxItem, bufferSize)}
}

// Start launches the single outbound task.
func (p *Publisher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop drains in-flight work and halts the task.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Flush envelopes still queued before exiting.
			for {
				select {
				case item := <-p.queue:
					if data, err := json.Marshal(item.env); err == nil {
						_ = p.mesh.Broadcast(context.Background(), item.topicID, data)
					}
				default:
					return
				}
			}
		case item := <-p.queue:
			data, err := json.Marshal(item.env)
			if err != nil {
				publisherLogger.WithError(err).Warn("failed to marshal outbound envelope")
				continue
			}
			if err := p.mesh.Broadcast(ctx, item.topicID, data); err != nil {
				publisherLogger.WithError(err).WithField("topic", item.topicID).Warn("broadcast failed")
			}
		}
	}
}

// PublishToTopic enqueues an envelope for broadcast to an explicit topic,
// used whenever the caller already knows the destination (thread events,
// DMs, key-wraps) (§4.7).
func (p *Publisher) PublishToTopic(ctx context.Context, topicID string, env Envelope) error {
	select {
	case p.queue <- outboxItem{topicID: topicID, env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return utils.Wrap(ErrBackpressure, "publisher queue full")
	}
}

// Publish enqueues an envelope, resolving its topic via the configured
// routing policy (§4.7 default routing for peer-scoped events).
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	topicID, err := p.policy(env)
	if err != nil {
		return err
	}
	return p.PublishToTopic(ctx, topicID, env)
}

// RebroadcastWithAnnouncerRewrite re-sends an already-ingested envelope
// under a topic so peers beyond the original sender's direct mesh reach it
// transitively (§4.8 "rebroadcast"). For a ThreadAnnouncement, the
// payload's announcer_peer_id is rewritten to localPeerID before
// re-publishing (§4.8, scenario S2) — the creator's signature still
// verifies because it never covered that field (see
// Envelope.RewriteAnnouncer). Every other kind is forwarded unchanged: its
// envelope-level AnnouncerPeerID is the signed author/actor, not relay
// metadata, and rewriting it would make the signature unverifiable.
func (p *Publisher) RebroadcastWithAnnouncerRewrite(ctx context.Context, topicID, localPeerID string, env Envelope) error {
	env, err := env.RewriteAnnouncer(localPeerID)
	if err != nil {
		return err
	}
	return p.PublishToTopic(ctx, topicID, env)
}

