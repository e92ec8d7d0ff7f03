package soul

import (
	"errors"
	"slices"
	"strings"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/shares"
	"github.com/mrkvm/sould/pkg/transfers"
)

// minSearchLength mirrors the index minimum; shorter queries are
// dropped before touching it.
const minSearchLength = 3

// rejectionNotShared is the security-safe message peers see for any
// upload request we cannot serve from the index.
const rejectionNotShared = "File not shared."

func (s *Supervisor) resolvers() Resolvers {
	return Resolvers{
		UserInfo:          s.resolveUserInfo,
		Browse:            s.resolveBrowse,
		DirectoryContents: s.resolveDirectoryContents,
		Search:            s.resolveSearch,
		EnqueueUpload:     s.resolveEnqueueUpload,
	}
}

func (s *Supervisor) resolveUserInfo() UserInfo {
	cfg := s.options.Get()
	uploads, _ := s.orch.Store().List(transfers.DirectionUpload, false)
	queued := 0
	active := 0
	for _, t := range uploads {
		switch t.State {
		case transfers.StateQueued:
			queued++
		case transfers.StateInitializing, transfers.StateInProgress:
			active++
		}
	}

	free := cfg.Transfers.UploadSlots - active
	if free < 0 {
		free = 0
	}
	return UserInfo{
		Description: cfg.Soulseek.Description,
		Picture:     []byte{},
		UploadSlots: cfg.Transfers.UploadSlots,
		FreeSlots:   free,
		QueueLength: queued,
	}
}

func (s *Supervisor) resolveBrowse() []shares.Directory {
	return s.index.Browse()
}

func (s *Supervisor) resolveDirectoryContents(name string) []shares.FileRecord {
	return s.index.Contents(name)
}

// resolveSearch answers a peer search. Short queries and blacklisted
// requesters get nothing; an empty result set returns nil so no
// response is sent at all.
func (s *Supervisor) resolveSearch(username, query string) *SearchReply {
	if len(strings.TrimSpace(query)) < minSearchLength {
		return nil
	}
	cfg := s.options.Get()
	if slices.Contains(cfg.Soulseek.SearchBlacklist, username) {
		logger.Debug("ignoring search from blacklisted user", logger.Username(username))
		return nil
	}

	results := s.index.Search(query)
	if len(results) == 0 {
		return nil
	}

	files := make([]shares.FileRecord, len(results))
	for i, r := range results {
		files[i] = r.File
	}

	s.metrics.RecordSearchServed()

	info := s.resolveUserInfo()
	return &SearchReply{
		Files:       files,
		UploadSpeed: s.currentUploadSpeed(),
		FreeSlots:   info.FreeSlots,
		QueueLength: info.QueueLength,
	}
}

// currentUploadSpeed reports the most recent finished upload's average
// speed in bytes per second.
func (s *Supervisor) currentUploadSpeed() int {
	uploads, err := s.orch.Store().List(transfers.DirectionUpload, true)
	if err != nil {
		return 0
	}
	for _, t := range uploads {
		if t.State == transfers.StateSucceeded {
			return int(t.AverageSpeed)
		}
	}
	return 0
}

// resolveEnqueueUpload delegates to the orchestrator and maps internal
// failures to the protocol's rejection channel.
func (s *Supervisor) resolveEnqueueUpload(username, filename string) error {
	_, err := s.orch.HandleUploadRequest(username, filename)
	if err == nil {
		return nil
	}
	if errors.Is(err, transfers.ErrNotShared) {
		return &transfers.RejectionError{Reason: rejectionNotShared}
	}
	logger.Warn("upload request failed",
		logger.Username(username), logger.Filename(filename), logger.Err(err))
	return &transfers.RejectionError{Reason: "Unable to process request."}
}
