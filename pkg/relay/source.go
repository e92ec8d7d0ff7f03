package relay

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/transfers"
)

// Source supplies upload bodies from the share index. Locally shared
// files are opened from disk; files advertised by an agent slice are
// pulled through the relay hub. With a nil hub only local files are
// served.
type Source struct {
	index *shares.Index
	hub   *Controller
}

// NewSource builds a file source. hub may be nil outside controller
// mode.
func NewSource(index *shares.Index, hub *Controller) *Source {
	return &Source{index: index, hub: hub}
}

// Stat returns the advertised size for a masked filename.
func (s *Source) Stat(filename string) (uint64, error) {
	_, rec, err := s.index.Locate(filename)
	if err != nil {
		return 0, transfers.ErrNotShared
	}
	return rec.Size, nil
}

// Open returns the body stream for a masked filename.
func (s *Source) Open(ctx context.Context, filename string) (io.ReadCloser, error) {
	host, _, err := s.index.Locate(filename)
	if err != nil {
		return nil, transfers.ErrNotShared
	}

	if host == shares.LocalHost {
		abs, err := s.index.Resolve(filename)
		if err != nil {
			return nil, transfers.ErrNotShared
		}
		return os.Open(abs)
	}

	if s.hub == nil {
		logger.Warn("file advertised by remote host but relay is not active",
			logger.Filename(filename), logger.Agent(host))
		return nil, transfers.ErrNotShared
	}

	body, err := s.hub.RequestFile(ctx, host, filename)
	if err != nil {
		return nil, fmt.Errorf("relay request for %s failed: %w", filename, err)
	}
	return body, nil
}
