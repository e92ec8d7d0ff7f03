// Package soul supervises the Soulseek protocol client: login,
// reconnect with backoff, option patching, and the resolver callbacks
// the client invokes for inbound peer requests.
package soul

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/transfers"
)

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("not connected to the Soulseek network")

// Options are the client tunables passed at construction and patched
// at runtime.
type Options struct {
	ServerAddress string
	ListenPort    int
	Description   string
	Distributed   DistributedOptions
	Connection    ConnectionOptions
}

// DistributedOptions configures distributed search overlay membership.
// It is passed through to the protocol client unchanged.
type DistributedOptions struct {
	Enabled    bool
	ChildLimit int
}

// ConnectionOptions holds the low-level connection block. The client
// cannot patch it partially; when any field changes the whole block is
// replaced and applies to new connections only.
type ConnectionOptions struct {
	Timeout           time.Duration
	InactivityTimeout time.Duration
	ReadBufferSize    int
	WriteBufferSize   int
	Proxy             ProxyOptions
}

// ProxyOptions optionally routes connections through a SOCKS proxy.
type ProxyOptions struct {
	Enabled  bool
	Address  string
	Port     int
	Username string
	Password string
}

// OptionsPatch carries only the fields that changed; nil pointers mean
// unchanged.
type OptionsPatch struct {
	ServerAddress *string
	ListenPort    *int
	Description   *string
	Distributed   *DistributedOptions
	Connection    *ConnectionOptions
}

// Empty reports whether the patch changes nothing.
func (p OptionsPatch) Empty() bool {
	return p.ServerAddress == nil && p.ListenPort == nil && p.Description == nil &&
		p.Distributed == nil && p.Connection == nil
}

// DisconnectCause classifies why the connection ended.
type DisconnectCause int

const (
	// CauseShutdown is an orderly process shutdown; no reconnect.
	CauseShutdown DisconnectCause = iota

	// CauseUserInitiated is an explicit local disconnect; no reconnect.
	CauseUserInitiated

	// CauseLoginRejected means the server refused the credentials; no
	// automatic reconnect.
	CauseLoginRejected

	// CauseKicked means another login with the same account displaced
	// this one; no automatic reconnect.
	CauseKicked

	// CauseTransport is any other connection loss; reconnect with
	// backoff.
	CauseTransport
)

func (c DisconnectCause) String() string {
	switch c {
	case CauseShutdown:
		return "shutdown"
	case CauseUserInitiated:
		return "user_initiated"
	case CauseLoginRejected:
		return "login_rejected"
	case CauseKicked:
		return "kicked"
	default:
		return "transport"
	}
}

// Retriable reports whether the supervisor should reconnect.
func (c DisconnectCause) Retriable() bool {
	return c == CauseTransport
}

// Event is a protocol-client notification. The client delivers all
// events over a single channel; the supervisor fans them out.
type Event interface{ isEvent() }

// ConnectedEvent fires when the server connection is established.
type ConnectedEvent struct{}

// LoggedInEvent fires after a successful login.
type LoggedInEvent struct {
	Username   string
	Privileged bool
}

// DisconnectedEvent fires when the connection ends.
type DisconnectedEvent struct {
	Cause DisconnectCause
	Err   error
}

// TransferUpdateEvent reports a remote-driven transfer state change or
// progress.
type TransferUpdateEvent struct {
	Direction transfers.Direction
	Username  string
	Filename  string
	State     transfers.State
	Bytes     uint64
}

// PrivateMessageEvent is an inbound direct message.
type PrivateMessageEvent struct {
	ID       int
	Username string
	Body     string
	SentAt   time.Time
}

// RoomMessageEvent is a line of public chat.
type RoomMessageEvent struct {
	Room     string
	Username string
	Body     string
	SentAt   time.Time
}

// RoomJoinedEvent and RoomLeftEvent report room membership changes.
type RoomJoinedEvent struct{ Room string }
type RoomLeftEvent struct{ Room string }

// UserStatusEvent reports a peer's presence change.
type UserStatusEvent struct {
	Username string
	Status   string
}

// BrowseProgressEvent reports progress receiving a peer's share list.
type BrowseProgressEvent struct {
	Username string
	Fraction float64
}

// DiagnosticEvent carries a library diagnostic line.
type DiagnosticEvent struct{ Message string }

func (ConnectedEvent) isEvent()      {}
func (LoggedInEvent) isEvent()       {}
func (DisconnectedEvent) isEvent()   {}
func (TransferUpdateEvent) isEvent() {}
func (PrivateMessageEvent) isEvent() {}
func (RoomMessageEvent) isEvent()    {}
func (RoomJoinedEvent) isEvent()     {}
func (RoomLeftEvent) isEvent()       {}
func (UserStatusEvent) isEvent()     {}
func (BrowseProgressEvent) isEvent() {}
func (DiagnosticEvent) isEvent()     {}

// UserInfo answers a peer's user-info request.
type UserInfo struct {
	Description string
	Picture     []byte
	UploadSlots int
	FreeSlots   int
	QueueLength int
}

// SearchReply answers a peer's search request.
type SearchReply struct {
	Files       []shares.FileRecord
	UploadSpeed int
	FreeSlots   int
	QueueLength int
}

// Resolvers are the synchronous callbacks the protocol client invokes
// for inbound requests. They must not raise arbitrary errors outward;
// rejections carry a security-safe message.
type Resolvers struct {
	UserInfo          func() UserInfo
	Browse            func() []shares.Directory
	DirectoryContents func(name string) []shares.FileRecord
	Search            func(username, query string) *SearchReply
	EnqueueUpload     func(username, filename string) error
}

// Client is the protocol library surface the supervisor owns. The
// library handles the on-wire protocol completely; sould drives it
// through this interface.
type Client interface {
	// Connect dials the server and logs in. It returns once the login
	// outcome is known; later connection loss arrives as a
	// DisconnectedEvent.
	Connect(ctx context.Context, username, password string) error

	// Disconnect closes the session with a reason.
	Disconnect(reason string) error

	// Reconfigure applies a minimal patch of changed options. It
	// reports whether the patch only takes effect after a reconnect.
	Reconfigure(patch OptionsPatch) (requiresReconnect bool, err error)

	// SetResolvers installs the inbound request callbacks.
	SetResolvers(r Resolvers)

	// Events returns the client's event stream. The channel closes when
	// the client is disposed.
	Events() <-chan Event

	// Upload and Download stream transfer bodies; both block until the
	// transfer ends.
	Upload(ctx context.Context, username, filename string, size uint64, r io.Reader) error
	Download(ctx context.Context, username, filename string, size uint64, w io.Writer) error

	// ConnectToUser primes a peer connection, invalidating any cached
	// endpoint.
	ConnectToUser(ctx context.Context, username string, invalidateCache bool) error

	// GetDownloadPlaceInQueue asks the remote for our queue position.
	GetDownloadPlaceInQueue(ctx context.Context, username, filename string) (int, error)

	// SetSharedCounts advertises directory and file counts.
	SetSharedCounts(dirs, files int)

	// SendUploadSpeed reports a finished upload's speed.
	SendUploadSpeed(bps int)

	// Chat operations.
	JoinRoom(room string) error
	LeaveRoom(room string) error
	SendPrivateMessage(username, body string) error
	SendRoomMessage(room, body string) error
	AcknowledgePrivateMessage(id int) error
}
