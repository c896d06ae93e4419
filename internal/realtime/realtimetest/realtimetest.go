// Package realtimetest provides a scripted in-memory realtime.Channel.
package realtimetest

import (
	"context"
	"errors"
	"sync"

	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/realtime"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel closed")

// Channel records calls and lets tests emit events.
type Channel struct {
	// AutoConnect emits connect-success from Connect when set.
	AutoConnect bool

	mu       sync.Mutex
	handler  realtime.Handler
	connects int
	closes   int
	closed   bool
	sent     []realtime.Message
}

// Compile-time interface satisfaction check.
var _ realtime.Channel = (*Channel)(nil)

// New creates a scripted channel.
func New() *Channel {
	return &Channel{}
}

// SetHandler implements realtime.Channel.
func (c *Channel) SetHandler(h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Connect implements realtime.Channel.
func (c *Channel) Connect(context.Context) {
	c.mu.Lock()
	c.connects++
	c.closed = false
	auto := c.AutoConnect
	c.mu.Unlock()

	if auto {
		c.Emit(realtime.Event{Kind: realtime.KindConnectSuccess})
	}
}

// Send implements realtime.Channel.
func (c *Channel) Send(_ context.Context, msg realtime.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

// Close implements realtime.Channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.closed = true
	return nil
}

// Emit delivers e to the installed handler.
func (c *Channel) Emit(e realtime.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(e)
	}
}

// Connects returns the number of Connect calls.
func (c *Channel) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Closes returns the number of Close calls.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Sent returns the messages written with Send.
func (c *Channel) Sent() []realtime.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Message(nil), c.sent...)
}

// Factory hands out scripted channels and remembers them per owner.
type Factory struct {
	// AutoConnect is copied to every channel created.
	AutoConnect bool

	mu       sync.Mutex
	channels map[string][]*Channel
}

// New implements realtime.Factory.
func (f *Factory) New(owner model.Owner, _ string) (realtime.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels == nil {
		f.channels = make(map[string][]*Channel)
	}
	ch := New()
	ch.AutoConnect = f.AutoConnect
	f.channels[owner.Key()] = append(f.channels[owner.Key()], ch)
	return ch, nil
}

// Last returns the most recent channel created for owner, or nil.
func (f *Factory) Last(owner model.Owner) *Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	chs := f.channels[owner.Key()]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

// Count returns how many channels were created for owner.
func (f *Factory) Count(owner model.Owner) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels[owner.Key()])
}
