package core

// Moderation engine (C11, §4.11). Local, unilateral blocks take effect
// immediately; subscribed blocklists are caches of another maintainer's
// published list, applied automatically only when the subscription's
// auto_apply flag is set. IP/CIDR blocks are stored and queried here
// (IsIPBlocked); the transport does not consult them, so connections are
// not filtered by address.
//
// No teacher file implements moderation directly (Synnergy has no concept
// of peer blocking); this component follows the store-access idiom C1 and
// core/forum.go establish — prefix-scoped reads, no telephone-game query
// building — rather than a specific teacher algorithm (see DESIGN.md).

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"graphchan/pkg/utils"
)

var moderationLogger = logrus.StandardLogger()

// SetModerationLogger overrides the package-level logger.
func SetModerationLogger(l *logrus.Logger) { moderationLogger = l }

// Moderator answers blocking questions for the ingest worker and the
// service layer (§4.11).
type Moderator struct {
	store *Store
}

// NewModerator binds a Moderator to the persistent store.
func NewModerator(store *Store) *Moderator { return &Moderator{store: store} }

// IsBlocked reports whether a peer is blocked, locally or via an
// auto-apply blocklist subscription (§4.11 is_blocked).
func (m *Moderator) IsBlocked(ctx context.Context, peerID string) (bool, error) {
	return m.store.IsBlocked(ctx, peerID)
}

// IsIPBlocked reports whether addr falls within any locally blocked CIDR
// range (§4.11 is_ip_blocked). Nothing in the transport calls it; it does
// not gate libp2p connections.
func (m *Moderator) IsIPBlocked(ctx context.Context, addr net.IP) (bool, error) {
	blocks, err := m.store.ListIPBlocks(ctx)
	if err != nil {
		return false, err
	}
	for _, b := range blocks {
		_, network, err := net.ParseCIDR(b.CIDR)
		if err != nil {
			continue
		}
		if network.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// Block records a local, unilateral decision to stop trusting a peer
// (§4.11). Existing posts from peerID are not deleted; callers should
// redact them via RedactExistingPosts.
func (m *Moderator) Block(ctx context.Context, peerID, reason string) error {
	return m.store.BlockPeer(ctx, Block{PeerID: peerID, Reason: reason, BlockedAt: time.Now().UTC()})
}

// Unblock removes a local block.
func (m *Moderator) Unblock(ctx context.Context, peerID string) error {
	return m.store.UnblockPeer(ctx, peerID)
}

// RedactExistingPosts replaces every existing post authored by peerID with
// a redacted placeholder, preserving DAG edges (§3.1, §4.11). Called
// immediately after Block so the moderation decision applies retroactively
// to content already ingested.
func (m *Moderator) RedactExistingPosts(ctx context.Context, peerID string) error {
	threads, err := m.store.ListThreads(ctx, true)
	if err != nil {
		return err
	}
	for _, t := range threads {
		posts, err := m.store.ListPostsByThread(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, p := range posts {
			if p.AuthorPeerID != peerID || p.Redacted {
				continue
			}
			if err := m.store.RedactPost(ctx, p.ID, ReasonBlockedLocally); err != nil {
				return err
			}
		}
	}
	return nil
}

// BlockIP records a local CIDR or single-address block (§4.11).
func (m *Moderator) BlockIP(ctx context.Context, cidr string) error {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		if ip := net.ParseIP(cidr); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			cidr = ip.String() + "/" + strconv.Itoa(bits)
		} else {
			return utils.Wrap(err, "parse ip block")
		}
	}
	return m.store.BlockIP(ctx, IPBlock{CIDR: cidr, CreatedAt: time.Now().UTC()})
}

// SubscribeBlocklist starts tracking a remote blocklist (§4.11). Its
// entries are filled in incrementally as the maintainer's BlockAction
// events are ingested (Ingest.applyBlockAction); nothing in this tree
// calls ResyncBlocklist on a schedule.
func (m *Moderator) SubscribeBlocklist(ctx context.Context, sub BlocklistSubscription) error {
	return m.store.UpsertBlocklistSubscription(ctx, sub)
}

// ResyncBlocklist replaces a subscription's cached entries with a freshly
// fetched set, verifying each entry was signed by the subscription's
// maintainer before accepting it (§4.11, §9 Open Question: single-
// maintainer signing only, no multi-maintainer trust).
func (m *Moderator) ResyncBlocklist(ctx context.Context, blocklistID, maintainerID string, entries []BlocklistEntry, verify func(peerID string, entry BlocklistEntry) bool) error {
	var accepted []BlocklistEntry
	for _, e := range entries {
		if verify != nil && !verify(maintainerID, e) {
			moderationLogger.WithField("blocklist", blocklistID).Warn("dropping blocklist entry with invalid signature")
			continue
		}
		accepted = append(accepted, e)
	}
	return m.store.ReplaceBlocklistEntries(ctx, blocklistID, accepted)
}
