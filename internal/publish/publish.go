// Package publish implements the MatchPublisher: a best-effort sink that
// fans a completed match out to both matched users' subscribers. Grounded
// on cmd/coordinator/main.go's handleBroadcast (generalized from "POST to
// every registered node" to "send on every channel subscribed under a
// user_id", still fire-and-forget with no acknowledgement).
package publish

import (
	"sync"

	"github.com/dreamware/rankmatch/internal/ticket"
)

// MatchedUser is one side of a published match.
type MatchedUser struct {
	UserID string
	Rank   int32
}

// Notification is the payload subscribe_matches delivers: the pair of
// users that were just matched.
type Notification struct {
	Users [2]MatchedUser
}

// subChanSize bounds each subscriber's inbox. Delivery is best-effort: a
// full channel means the subscriber is too slow and the notification is
// dropped rather than blocking the worker that finalized the match.
const subChanSize = 8

// Publisher is the cluster-wide match sink. Construct with New.
type Publisher struct {
	mu   sync.Mutex
	subs map[string][]chan Notification
}

// New creates an empty Publisher.
func New() *Publisher {
	return &Publisher{subs: make(map[string][]chan Notification)}
}

// Subscribe registers a new channel for userID's match notifications and
// returns it along with an Unsubscribe function. The channel is buffered;
// callers must keep draining it or later notifications will be dropped.
func (p *Publisher) Subscribe(userID string) (<-chan Notification, func()) {
	ch := make(chan Notification, subChanSize)

	p.mu.Lock()
	p.subs[userID] = append(p.subs[userID], ch)
	p.mu.Unlock()

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		chans := p.subs[userID]
		for i, c := range chans {
			if c == ch {
				p.subs[userID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(p.subs[userID]) == 0 {
			delete(p.subs, userID)
		}
		close(ch)
	}
	return ch, unsubscribe
}

// Publish fans the match out to every subscriber of both a and b. Delivery
// is non-blocking per spec.md §4.10: a slow or absent subscriber never
// stalls the worker that finalized the match, and duplicates under retry
// are acceptable since there is no acknowledgement protocol.
func (p *Publisher) Publish(a, b ticket.Ticket) {
	n := Notification{Users: [2]MatchedUser{
		{UserID: a.UserID, Rank: a.Rank},
		{UserID: b.UserID, Rank: b.Rank},
	}}

	p.mu.Lock()
	targets := make([]chan Notification, 0, len(p.subs[a.UserID])+len(p.subs[b.UserID]))
	targets = append(targets, p.subs[a.UserID]...)
	targets = append(targets, p.subs[b.UserID]...)
	p.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- n:
		default:
		}
	}
}

// SubscriberCount reports how many active subscriptions exist for userID.
// Exposed for tests and diagnostics.
func (p *Publisher) SubscriberCount(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[userID])
}
