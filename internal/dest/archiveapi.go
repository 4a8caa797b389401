package dest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/radgate/radgate/internal/config"
)

const defaultArchiveTimeout = 300 * time.Second

// archiveAPI uploads an anonymized study as a single ZIP to a research
// archive's import endpoint. The session/auth handshake beyond basic auth
// lives outside the core; this client only sets credentials per request.
type archiveAPI struct {
	name     string
	baseURL  string
	username string
	password string
	client   *http.Client
	log      *zap.Logger
}

func newArchiveAPI(name string, cfg config.DestinationConfig, log *zap.Logger) (*archiveAPI, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid base_url %q: %w", cfg.BaseURL, err)
	}
	timeout := defaultArchiveTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 4
	}
	transport := &http.Transport{
		MaxIdleConns:        pool,
		MaxIdleConnsPerHost: pool,
		IdleConnTimeout:     90 * time.Second,
	}
	return &archiveAPI{
		name:     name,
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		log:      log,
	}, nil
}

func (a *archiveAPI) Name() string { return a.name }
func (a *archiveAPI) Kind() Kind   { return KindArchiveAPI }

// Probe issues a cheap authenticated listing request.
func (a *archiveAPI) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/data/projects?format=json", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.username, a.password)
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("dest: archive %s probe: %w", a.name, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dest: archive %s probe: status %s", a.name, resp.Status)
	}
	return nil
}

// Send streams a ZIP of the study through an io.Pipe so the archive never
// materializes in memory.
func (a *archiveAPI) Send(ctx context.Context, sendReq SendRequest) (SendResult, error) {
	q := url.Values{}
	q.Set("import-handler", "DICOM-zip")
	if sendReq.ProjectID != "" {
		q.Set("project", sendReq.ProjectID)
	}
	if sendReq.Subject != "" {
		q.Set("subject", sendReq.Subject)
	}
	if sendReq.Session != "" {
		q.Set("session", sendReq.Session)
	}
	if sendReq.AutoArchive {
		q.Set("auto-archive", "true")
	}
	endpoint := a.baseURL + "/data/services/import?" + q.Encode()

	pr, pw := io.Pipe()
	counted := &countingWriter{}
	go func() {
		pw.CloseWithError(writeZip(pw, counted, sendReq.Files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return SendResult{}, err
	}
	req.SetBasicAuth(a.username, a.password)
	req.Header.Set("Content-Type", "application/zip")

	resp, err := a.client.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("dest: archive %s upload: %w", a.name, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SendResult{}, fmt.Errorf("dest: archive %s upload: status %s: %s",
			a.name, resp.Status, strings.TrimSpace(string(body)))
	}
	a.log.Info("study uploaded to archive api",
		zap.String("destination", a.name),
		zap.String("study_uid", sendReq.StudyUID),
		zap.Int("files", len(sendReq.Files)),
		zap.Int64("zip_bytes", counted.n))
	return SendResult{FilesTransferred: len(sendReq.Files), BytesSent: counted.n}, nil
}

func (a *archiveAPI) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// writeZip streams files into a ZIP on w, mirroring bytes into counter.
func writeZip(w io.Writer, counter *countingWriter, files []string) error {
	zw := zip.NewWriter(io.MultiWriter(w, counter))
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("dest: zip open %s: %w", path, err)
		}
		entry, err := zw.Create(filepath.Base(path))
		if err != nil {
			f.Close()
			return fmt.Errorf("dest: zip entry %s: %w", path, err)
		}
		if _, err := io.Copy(entry, f); err != nil {
			f.Close()
			return fmt.Errorf("dest: zip copy %s: %w", path, err)
		}
		f.Close()
	}
	return zw.Close()
}
