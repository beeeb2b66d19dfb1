package botnet

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	sendMaxAttempts  = 8
	sendBackoffBase  = 250 * time.Millisecond
	sendBackoffLimit = 5 * time.Second
)

// Network is the robot's interface to the relay. It owns the session state
// and the roster of known peers, and turns the user-facing fire-and-forget
// Send/Broadcast calls into tracked background deliveries.
type Network struct {
	robot     *Robot
	transport *transport

	mu        sync.Mutex
	connected bool
	roster    []int
}

func newNetwork(r *Robot, serverAddr string) *Network {
	return &Network{
		robot:     r,
		transport: newTransport(serverAddr),
	}
}

// IsConnected reports whether a session with the relay is currently held.
func (n *Network) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// ConnectedRobots returns the roster of robot IDs observed on the last poll.
// The roster is a best-effort snapshot, never authoritative between polls.
func (n *Network) ConnectedRobots() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, len(n.roster))
	copy(out, n.roster)
	return out
}

// SetServerAddress overrides the relay address. It has no effect after
// Connect has succeeded.
func (n *Network) SetServerAddress(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		n.transport.baseURL = addr
	}
}

// Connect registers this robot with the relay and stores the session token.
// It blocks until the relay answers. A conflict for this robot's ID is
// reported as ErrIDTaken, which the runtime treats as fatal.
func (n *Network) Connect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.transport.connect(ctx, n.robot.ID); err != nil {
		return err
	}
	n.connected = true
	return nil
}

// Send schedules a message for delivery to the given recipient and returns
// immediately. v may be a string or a *Message; the sender and recipient are
// stamped here. Delivery failures are retried with exponential backoff; if a
// callback is supplied it is invoked with the sent message once delivery
// succeeds, serialized with the other user callbacks.
func (n *Network) Send(v interface{}, recipient int, callback func(*Message)) {
	m, err := n.outbound(v, recipient)
	if err != nil {
		n.robot.logger.Error().Err(err).Msg("send rejected")
		return
	}
	n.robot.spawn(func(ctx context.Context) {
		n.deliver(ctx, m, callback)
	})
}

// Broadcast schedules a message for delivery to every other robot currently
// on the network. The relay performs the fan-out.
func (n *Network) Broadcast(v interface{}) {
	m, err := n.outbound(v, Broadcast)
	if err != nil {
		n.robot.logger.Error().Err(err).Msg("broadcast rejected")
		return
	}
	n.robot.spawn(func(ctx context.Context) {
		n.deliver(ctx, m, nil)
	})
}

// outbound normalizes a Send/Broadcast argument into a stamped message.
func (n *Network) outbound(v interface{}, recipient int) (*Message, error) {
	var m *Message
	switch x := v.(type) {
	case *Message:
		m = x
	case string:
		m = New(x)
	default:
		return nil, fmt.Errorf("cannot send a %T, want string or *Message", v)
	}
	if !n.IsConnected() {
		return nil, ErrNotConnected
	}
	m.SetSender(n.robot.ID)
	m.SetRecipient(recipient)
	return m, nil
}

// deliver transmits m, retrying with exponential backoff until it succeeds,
// the attempts run out, or the runtime shuts down.
func (n *Network) deliver(ctx context.Context, m *Message, callback func(*Message)) {
	backoff := sendBackoffBase
	for attempt := 1; ; attempt++ {
		err := n.transport.send(ctx, m)
		if err == nil {
			if callback != nil {
				n.robot.invoke(func() { callback(m) })
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt >= sendMaxAttempts {
			n.robot.logger.Error().
				Err(err).
				Int("recipient", m.Recipient).
				Int("attempts", attempt).
				Msg("giving up on message delivery")
			return
		}

		n.robot.logger.Warn().
			Err(err).
			Int("recipient", m.Recipient).
			Dur("retry_in", backoff).
			Msg("message delivery failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > sendBackoffLimit {
			backoff = sendBackoffLimit
		}
	}
}

// poll fetches the pending batch for this robot and refreshes the roster.
func (n *Network) poll(ctx context.Context) ([]Message, error) {
	msgs, robots, err := n.transport.poll(ctx)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.roster = robots
	n.mu.Unlock()
	return msgs, nil
}

// disconnect deregisters the session. Called only during runtime finalization.
func (n *Network) disconnect(ctx context.Context) error {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return nil
	}
	n.connected = false
	n.mu.Unlock()
	return n.transport.disconnect(ctx)
}
