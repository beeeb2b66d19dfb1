package store

import (
	"context"
	"errors"

	"github.com/jeriewang/crh-botnet/botnet"
)

// ErrIDTaken is returned by Connect when a live (non-stale) session already
// holds the requested robot ID.
var ErrIDTaken = errors.New("a robot with the same id is connected")

// Store is the relay's registry and queue. All implementations must
// serialize mutations touching a single robot's session and queue so that
// connect/disconnect/poll/send for the same ID never interleave into an
// inconsistent state; cross-ID operations may proceed concurrently.
//
// Delivery is at-most-once: an entry returned by Drain is gone. A dropped
// fan-out entry for a robot that joins while a broadcast is materializing
// is tolerated; a duplicate delivery is not.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	// Connect registers a session for robotID under the given token. A
	// stale prior session for the same ID is evicted first; a live one
	// makes Connect fail with ErrIDTaken.
	Connect(ctx context.Context, robotID int, token string) error

	// RobotForToken resolves a bearer token to its robot ID. The second
	// return is false when the token matches no live session.
	RobotForToken(ctx context.Context, token string) (int, bool, error)

	// Disconnect removes the session for robotID, if any.
	Disconnect(ctx context.Context, robotID int) error

	// Members returns the IDs of all currently registered robots.
	Members(ctx context.Context) ([]int, error)

	// Enqueue stores one entry for the message's declared recipient. The
	// recipient is not checked for existence; entries for a departed robot
	// simply go unread.
	Enqueue(ctx context.Context, m *botnet.Message) error

	// EnqueueBroadcast snapshots the current membership and stores one
	// entry per member other than the sender, returning the fan-out count.
	EnqueueBroadcast(ctx context.Context, sender int, m *botnet.Message) (int, error)

	// Drain atomically fetches and removes every entry addressed to
	// robotID, refreshes the session's last-seen timestamp, and returns
	// the batch along with the current membership.
	Drain(ctx context.Context, robotID int) ([]botnet.Message, []int, error)

	// CountSessions and CountQueued report registry and queue sizes for
	// health checks and metrics.
	CountSessions(ctx context.Context) (int64, error)
	CountQueued(ctx context.Context) (int64, error)
}
