package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mrkvm/sould/internal/logger"
	"github.com/mrkvm/sould/pkg/config"
	"github.com/mrkvm/sould/pkg/shares"
)

// shareRefreshInterval re-ships the share index on long-lived sessions
// so the controller converges even if a fill notification is lost.
const shareRefreshInterval = 30 * time.Minute

// Agent is the agent side of the relay plane. It keeps a websocket
// channel open to the controller, reconnecting with exponential
// backoff, serves REQUEST_FILE by posting multipart file bodies back,
// and ships its share index after every (re)connect and periodically.
type Agent struct {
	name   string
	secret string
	index  *shares.Index

	wsURL   string
	baseURL string

	dialer *websocket.Dialer
	client *http.Client

	wg sync.WaitGroup
}

// NewAgent builds an agent from the agent-side relay configuration.
func NewAgent(cfg config.RelayConfig, index *shares.Index) (*Agent, error) {
	base, err := url.Parse(cfg.ControllerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid controller url: %w", err)
	}

	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid controller url scheme %q", base.Scheme)
	}
	ws.Path = strings.TrimRight(ws.Path, "/") + "/api/v0/network/agents/" + cfg.AgentName

	return &Agent{
		name:    cfg.AgentName,
		secret:  cfg.Secret,
		index:   index,
		wsURL:   ws.String(),
		baseURL: strings.TrimRight(cfg.ControllerURL, "/"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		// No client timeout: a file POST stays open for the lifetime of
		// the controller-side transfer.
		client: &http.Client{},
	}, nil
}

// Run connects to the controller and serves relay requests until ctx
// is cancelled. Connection loss restarts the dial with exponential
// backoff; a fresh session always re-ships the share index.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, err := a.dial(ctx)
		if err != nil {
			a.wg.Wait()
			return err
		}

		logger.Info("connected to controller", logger.Agent(a.name))

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.UploadShares(ctx); err != nil {
				logger.Warn("failed to upload shares", logger.Err(err))
			}
		}()

		refresh := make(chan struct{})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			ticker := time.NewTicker(shareRefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-refresh:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := a.UploadShares(ctx); err != nil {
						logger.Warn("failed to upload shares", logger.Err(err))
					}
				}
			}
		}()

		a.readLoop(ctx, conn)
		close(refresh)
		_ = conn.Close()

		select {
		case <-ctx.Done():
			a.wg.Wait()
			return ctx.Err()
		default:
			logger.Info("controller channel lost, reconnecting", logger.Agent(a.name))
		}
	}
}

// dial retries the websocket handshake with exponential backoff until
// it succeeds or ctx is cancelled.
func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{"Authorization": {"Bearer " + a.secret}}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := a.dialer.DialContext(ctx, a.wsURL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				// Credentials will not improve by retrying.
				return backoff.Permanent(fmt.Errorf("controller rejected credentials: %w", err))
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("controller dial failed",
			logger.Agent(a.name), logger.Err(err), logger.KeyDelay, next.String())
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// readLoop consumes controller messages until the channel dies.
func (a *Agent) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case MessageRequestFile:
			a.wg.Add(1)
			go func(msg Message) {
				defer a.wg.Done()
				a.serveFile(ctx, msg.ID, msg.Filename)
			}(msg)
		case MessageRequestShares:
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := a.UploadShares(ctx); err != nil {
					logger.Warn("failed to upload shares", logger.Err(err))
				}
			}()
		default:
			logger.Debug("ignoring unknown relay message", "type", string(msg.Type))
		}
	}
}

// serveFile answers REQUEST_FILE by streaming the local file back as a
// multipart POST. Any failure simply abandons the stream; the
// controller times out or sees the body close and fails the transfer.
func (a *Agent) serveFile(ctx context.Context, id, filename string) {
	abs, err := a.index.Resolve(filename)
	if err != nil {
		logger.Warn("requested file is not shared",
			logger.Filename(filename), logger.KeyRequestID, id)
		return
	}
	f, err := os.Open(abs)
	if err != nil {
		logger.Warn("failed to open shared file",
			logger.Filename(filename), logger.Err(err))
		return
	}
	defer f.Close()

	cred := Credential(a.secret, id, a.name, filename)
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeFileBody(mw, cred, filename, f)
		_ = mw.Close()
		pw.CloseWithError(err)
	}()

	endpoint := fmt.Sprintf("%s/api/v0/network/files/%s/%s", a.baseURL, a.name, id)
	resp, err := a.post(ctx, endpoint, mw.FormDataContentType(), pr)
	if err != nil {
		logger.Warn("file upload failed",
			logger.Filename(filename), logger.KeyRequestID, id, logger.Err(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		logger.Warn("controller refused file upload",
			logger.Filename(filename), logger.KeyRequestID, id, logger.KeyStatus, resp.StatusCode)
		return
	}
	logger.Debug("file relayed", logger.Filename(filename), logger.KeyRequestID, id)
}

func writeFileBody(mw *multipart.Writer, cred, filename string, f *os.File) error {
	if err := mw.WriteField(partCredential, cred); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile(partFile, filepath.Base(filename))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

// UploadShares exports the share index and ships it to the controller
// together with a manifest of the local slice.
func (a *Agent) UploadShares(ctx context.Context) error {
	counts, err := a.index.CountsForHost(shares.LocalHost)
	if err != nil {
		return fmt.Errorf("no local shares to upload: %w", err)
	}

	tmp, err := os.CreateTemp("", "sould-export-*.db")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := a.index.Export(tmpPath); err != nil {
		return err
	}
	db, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer db.Close()

	id := uuid.NewString()
	manifest := ShareManifest{
		Agent:       a.name,
		Directories: counts.Directories,
		Files:       counts.Files,
		Excluded:    counts.Excluded,
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeSharesBody(mw, Credential(a.secret, id, a.name, ""), manifest, db)
		_ = mw.Close()
		pw.CloseWithError(err)
	}()

	endpoint := fmt.Sprintf("%s/api/v0/network/shares/%s/%s", a.baseURL, a.name, id)
	resp, err := a.post(ctx, endpoint, mw.FormDataContentType(), pr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("controller refused share upload: status %d", resp.StatusCode)
	}
	logger.Info("shares uploaded",
		logger.KeyDirectories, counts.Directories, logger.KeyFiles, counts.Files)
	return nil
}

func writeSharesBody(mw *multipart.Writer, cred string, manifest ShareManifest, db *os.File) error {
	if err := mw.WriteField(partCredential, cred); err != nil {
		return err
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := mw.WriteField(partShares, string(raw)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile(partDatabase, "shares.db")
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, db)
	return err
}

func (a *Agent) post(ctx context.Context, endpoint, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+a.secret)
	return a.client.Do(req)
}
