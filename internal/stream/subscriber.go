// ABOUTME: Channel subscription fan-out over one shared event stream transport
// ABOUTME: Reference-counts channel interest and isolates listener failures

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/tarsy-console/internal/event"
)

// ErrConnection indicates the underlying transport could not be established
// after its own retry policy was exhausted.
var ErrConnection = errors.New("event stream connection failed")

// Listener receives every decoded event addressed to a subscribed channel,
// in transport-arrival order.
type Listener func(ev event.Event)

// ConnListener receives connectivity transitions (connected/disconnected).
type ConnListener func(connected bool)

// Transport is the shared, reconnecting connection underneath all
// subscriptions. Implementations own the retry policy; the Subscriber never
// closes the transport (the process lifecycle does).
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error

	// SetMessageHandler registers the single inbound frame sink. Must be
	// called before Connect.
	SetMessageHandler(fn func(channel string, payload []byte))
	// SetConnectionHandler registers the single connectivity sink. Must be
	// called before Connect.
	SetConnectionHandler(fn func(connected bool))
}

type channelListeners map[string]Listener // listener id -> listener

// Subscriber multiplexes one Transport across any number of channel
// listeners so UI components can independently observe the same logical
// channel without duplicating connections.
type Subscriber struct {
	mu            sync.RWMutex
	transport     Transport
	channels      map[string]channelListeners
	connListeners map[string]ConnListener
	logger        *slog.Logger
}

// New creates a Subscriber on top of a shared transport. Pass nil logger for
// default.
func New(tr Transport, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		transport:     tr,
		channels:      make(map[string]channelListeners),
		connListeners: make(map[string]ConnListener),
		logger:        logger.With("component", "stream"),
	}
	tr.SetMessageHandler(s.dispatch)
	tr.SetConnectionHandler(s.connectionChanged)
	return s
}

// Connect establishes the underlying transport. Idempotent: if the transport
// is already connected this is a no-op.
func (s *Subscriber) Connect(ctx context.Context) error {
	if s.transport.IsConnected() {
		return nil
	}
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return nil
}

// IsConnected reports current transport connectivity.
func (s *Subscriber) IsConnected() bool {
	return s.transport.IsConnected()
}

// SubscribeToChannel registers a listener for every decoded event addressed
// to channel. Channel interest is reference counted: the transport-level
// subscribe is issued when the first listener arrives. The returned function
// deregisters exactly this listener and is a no-op when called again.
func (s *Subscriber) SubscribeToChannel(channel string, fn Listener) func() {
	id := uuid.New().String()

	s.mu.Lock()
	listeners, existed := s.channels[channel]
	if !existed {
		listeners = make(channelListeners)
		s.channels[channel] = listeners
	}
	listeners[id] = fn
	s.mu.Unlock()

	if !existed {
		if err := s.transport.Subscribe(context.Background(), channel); err != nil {
			s.logger.Warn("channel subscribe failed, will retry on reconnect",
				"channel", channel, "error", err)
		}
	}

	s.logger.Debug("listener added", "channel", channel, "listener_id", id)

	var once sync.Once
	return func() {
		once.Do(func() { s.removeListener(channel, id) })
	}
}

// OnConnectionChange registers a listener for connectivity transitions,
// independent of channel content. The returned function deregisters it and
// is idempotent.
func (s *Subscriber) OnConnectionChange(fn ConnListener) func() {
	id := uuid.New().String()

	s.mu.Lock()
	s.connListeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.connListeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Subscriber) removeListener(channel, id string) {
	s.mu.Lock()
	listeners, ok := s.channels[channel]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(listeners, id)
	last := len(listeners) == 0
	if last {
		delete(s.channels, channel)
	}
	s.mu.Unlock()

	if last {
		if err := s.transport.Unsubscribe(context.Background(), channel); err != nil {
			s.logger.Debug("channel unsubscribe failed", "channel", channel, "error", err)
		}
	}

	s.logger.Debug("listener removed", "channel", channel, "listener_id", id)
}

// dispatch decodes an inbound frame and delivers it to every listener of the
// addressed channel. A panicking listener is isolated and logged so it never
// prevents delivery to the others.
func (s *Subscriber) dispatch(channel string, payload []byte) {
	ev, err := event.Decode(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable event", "channel", channel, "error", err)
		return
	}

	s.mu.RLock()
	listeners, ok := s.channels[channel]
	targets := make([]Listener, 0, len(listeners))
	if ok {
		for _, fn := range listeners {
			targets = append(targets, fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range targets {
		s.deliver(channel, fn, ev)
	}
}

func (s *Subscriber) deliver(channel string, fn Listener, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("channel listener panicked",
				"channel", channel, "event_type", ev.EventType(), "panic", r)
		}
	}()
	fn(ev)
}

// connectionChanged fans a connectivity transition out to all connection
// listeners. Transport disconnects surface here, never into channel
// listeners.
func (s *Subscriber) connectionChanged(connected bool) {
	s.mu.RLock()
	targets := make([]ConnListener, 0, len(s.connListeners))
	for _, fn := range s.connListeners {
		targets = append(targets, fn)
	}
	s.mu.RUnlock()

	s.logger.Debug("connection state changed", "connected", connected)
	for _, fn := range targets {
		fn(connected)
	}
}
