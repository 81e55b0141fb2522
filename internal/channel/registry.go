// ABOUTME: In-memory pub/sub mapping channel names to subscribed connections
// ABOUTME: Keeps a reverse index so a closing connection can leave every channel at once

package channel

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/coven-workbench/internal/protocol"
)

// Subscriber is anything that can receive envelopes, normally a WebSocket
// connection. Send must not block for long; connections queue internally.
type Subscriber interface {
	ID() string
	Send(env protocol.Envelope) error
	IsOpen() bool
}

// Registry tracks which subscribers listen on which channels. It does no
// authorization; callers check ownership before subscribing.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber // channel -> subscriber ID -> subscriber
	bySub    map[string]map[string]struct{}   // subscriber ID -> channels
	logger   *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]map[string]Subscriber),
		bySub:    make(map[string]map[string]struct{}),
		logger:   logger.With("component", "channels"),
	}
}

// Subscribe adds sub to channel. Subscribing twice is a no-op.
func (r *Registry) Subscribe(sub Subscriber, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		r.channels[channel] = subs
	}
	subs[sub.ID()] = sub

	chans, ok := r.bySub[sub.ID()]
	if !ok {
		chans = make(map[string]struct{})
		r.bySub[sub.ID()] = chans
	}
	chans[channel] = struct{}{}

	r.logger.Debug("subscribed", "channel", channel, "sub_id", sub.ID())
}

// Unsubscribe removes sub from channel. Unknown pairs are ignored.
func (r *Registry) Unsubscribe(sub Subscriber, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(sub.ID(), channel)
}

// UnsubscribeAll removes sub from every channel it joined and returns how
// many channels that was.
func (r *Registry) UnsubscribeAll(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans := r.bySub[sub.ID()]
	n := len(chans)
	for channel := range chans {
		r.removeLocked(sub.ID(), channel)
	}
	delete(r.bySub, sub.ID())
	return n
}

func (r *Registry) removeLocked(subID, channel string) {
	if subs, ok := r.channels[channel]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
	if chans, ok := r.bySub[subID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.bySub, subID)
		}
	}
}

// Broadcast delivers env to every open subscriber of channel and returns how
// many accepted it. Subscribers are snapshotted first so Send never runs
// under the registry lock.
func (r *Registry) Broadcast(channel string, env protocol.Envelope) int {
	r.mu.RLock()
	subs := r.channels[channel]
	targets := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if !sub.IsOpen() {
			continue
		}
		if err := sub.Send(env); err != nil {
			r.logger.Warn("broadcast send failed",
				"channel", channel,
				"type", env.Type,
				"sub_id", sub.ID(),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns the number of subscribers on channel.
func (r *Registry) Subscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}

// IsSubscribed reports whether sub is on channel.
func (r *Registry) IsSubscribed(sub Subscriber, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel][sub.ID()]
	return ok
}

// Channels returns the sorted channel names sub is on.
func (r *Registry) Channels(sub Subscriber) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySub[sub.ID()]))
	for channel := range r.bySub[sub.ID()] {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
