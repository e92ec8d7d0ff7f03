package soul

import (
	"context"
	"io"
	"sync"
)

// OfflineClient is a Client with no network bindings. It accepts
// configuration and resolver wiring but fails every network operation
// with ErrNotConnected. It keeps the daemon fully operable as a relay
// controller or agent when no protocol bindings are linked in.
type OfflineClient struct {
	mu        sync.Mutex
	resolvers Resolvers
	events    chan Event
}

// NewOfflineClient creates an offline client.
func NewOfflineClient() *OfflineClient {
	return &OfflineClient{events: make(chan Event)}
}

// Resolvers returns the installed resolver set, for callers that drive
// the resolvers directly.
func (c *OfflineClient) Resolvers() Resolvers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolvers
}

func (c *OfflineClient) Connect(context.Context, string, string) error { return ErrNotConnected }
func (c *OfflineClient) Disconnect(string) error                       { return nil }

func (c *OfflineClient) Reconfigure(OptionsPatch) (bool, error) { return false, nil }

func (c *OfflineClient) SetResolvers(r Resolvers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolvers = r
}

func (c *OfflineClient) Events() <-chan Event { return c.events }

func (c *OfflineClient) Upload(context.Context, string, string, uint64, io.Reader) error {
	return ErrNotConnected
}

func (c *OfflineClient) Download(context.Context, string, string, uint64, io.Writer) error {
	return ErrNotConnected
}

func (c *OfflineClient) ConnectToUser(context.Context, string, bool) error {
	return ErrNotConnected
}

func (c *OfflineClient) GetDownloadPlaceInQueue(context.Context, string, string) (int, error) {
	return 0, ErrNotConnected
}

func (c *OfflineClient) SetSharedCounts(int, int) {}
func (c *OfflineClient) SendUploadSpeed(int)      {}

func (c *OfflineClient) JoinRoom(string) error                  { return ErrNotConnected }
func (c *OfflineClient) LeaveRoom(string) error                 { return ErrNotConnected }
func (c *OfflineClient) SendPrivateMessage(string, string) error { return ErrNotConnected }
func (c *OfflineClient) SendRoomMessage(string, string) error    { return ErrNotConnected }
func (c *OfflineClient) AcknowledgePrivateMessage(int) error     { return ErrNotConnected }
