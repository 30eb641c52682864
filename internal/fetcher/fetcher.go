package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"teddybox/internal/config"
	"teddybox/internal/content"

	"github.com/sirupsen/logrus"
)

const userAgent = "teddybox/1.0"

// maxJobHistory bounds the finished requests kept for Jobs
const maxJobHistory = 32

// Status is a snapshot of a request for the control API
type Status struct {
	ID          string     `json:"id"`
	Identity    string     `json:"identity"`
	State       string     `json:"state"`
	Received    int64      `json:"received"`
	Available   int64      `json:"available"`
	Total       int64      `json:"total"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type job struct {
	req       *Request
	createdAt time.Time
	doneAt    *time.Time
}

// Fetcher downloads assets from the content server, one at a time, into
// the local content tree
type Fetcher struct {
	config  *config.Config
	root    string
	baseURL string
	client  *http.Client
	queue   chan *Request
	logger  *logrus.Logger

	mutex   sync.Mutex
	current *Request
	jobs    map[string]*job
	history int

	// OnFinished is called after a request completed successfully
	OnFinished func(req *Request)
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the TLS client built from the configuration
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithBaseURL overrides the content server address
func WithBaseURL(u string) Option {
	return func(f *Fetcher) { f.baseURL = strings.TrimSuffix(u, "/") }
}

// New creates a fetcher; call Run to start the worker
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		config:  cfg,
		root:    cfg.Content.Root,
		baseURL: "https://" + cfg.CloudAddress(),
		queue:   make(chan *Request, cfg.Cloud.QueueSize),
		logger:  logger,
		jobs:    make(map[string]*job),
		history: maxJobHistory,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		tlsConfig, err := loadTLSConfig(cfg.Cloud)
		if err != nil {
			return nil, err
		}
		timeout := time.Duration(cfg.Cloud.ConnectTimeoutMs) * time.Millisecond
		f.client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:       tlsConfig,
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
			},
		}
	}

	return f, nil
}

// Start aborts and drains the active request, then queues a new one for
// identity. It does not wait for the transfer to begin.
func (f *Fetcher) Start(ctx context.Context, id content.Identity, token content.Token, resumeFrom int64) (*Request, error) {
	if err := f.AbortActive(ctx); err != nil {
		return nil, err
	}

	req := NewRequest(id, token, id.Path(f.root), resumeFrom, f.config.LockTimeout(), f.logger)

	f.mutex.Lock()
	defer f.mutex.Unlock()

	select {
	case f.queue <- req:
	default:
		return nil, ErrQueueFull
	}
	f.current = req
	f.pruneJobsLocked()
	f.jobs[req.ID] = &job{req: req, createdAt: time.Now()}

	req.logger.WithField("resume_from", resumeFrom).Info("Download queued")
	return req, nil
}

// AbortActive aborts the current request and waits until it released its
// file handle
func (f *Fetcher) AbortActive(ctx context.Context) error {
	f.mutex.Lock()
	req := f.current
	f.current = nil
	f.mutex.Unlock()

	if req == nil || req.State().Terminal() {
		return nil
	}
	req.Abort()
	return req.Wait(ctx)
}

// pruneJobsLocked drops the oldest terminal jobs until there is room for
// one more within the history limit
func (f *Fetcher) pruneJobsLocked() {
	if len(f.jobs) < f.history {
		return
	}
	done := make([]*job, 0, len(f.jobs))
	for _, j := range f.jobs {
		if j.req.State().Terminal() {
			done = append(done, j)
		}
	}
	sort.Slice(done, func(a, b int) bool {
		return done[a].createdAt.Before(done[b].createdAt)
	})
	for _, j := range done {
		if len(f.jobs) < f.history {
			break
		}
		delete(f.jobs, j.req.ID)
	}
}

// Jobs returns a snapshot of the active request and the most recent
// finished ones
func (f *Fetcher) Jobs() []Status {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	out := make([]Status, 0, len(f.jobs))
	for _, j := range f.jobs {
		s := Status{
			ID:          j.req.ID,
			Identity:    j.req.Identity.String(),
			State:       j.req.State().String(),
			Received:    j.req.Received(),
			Available:   j.req.Available(),
			Total:       j.req.TotalLength(),
			CreatedAt:   j.createdAt,
			CompletedAt: j.doneAt,
		}
		if err := j.req.Err(); err != nil {
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	return out
}

// Run processes queued requests until ctx is cancelled
func (f *Fetcher) Run(ctx context.Context) error {
	f.logger.Info("Download worker started")
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return ctx.Err()
		case req := <-f.queue:
			f.process(ctx, req)

			now := time.Now()
			f.mutex.Lock()
			if j, ok := f.jobs[req.ID]; ok {
				j.doneAt = &now
			}
			f.mutex.Unlock()
		}
	}
}

func (f *Fetcher) drain() {
	for {
		select {
		case req := <-f.queue:
			req.Abort()
		default:
			return
		}
	}
}

func (f *Fetcher) process(ctx context.Context, req *Request) {
	if !req.transition(StateInit, StateConnecting) {
		// aborted while queued
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req.setCancel(cancel)
	if req.aborted.Load() {
		req.finish(StateAborted, ErrAborted)
		return
	}

	err := f.transfer(reqCtx, req)
	switch {
	case err == nil:
		req.release(StateFinished)
		req.logger.WithField("bytes", req.Received()).Info("Download finished")
		if f.OnFinished != nil {
			f.OnFinished(req)
		}
		req.complete(nil)
	case req.aborted.Load():
		req.finish(StateAborted, ErrAborted)
		req.logger.Info("Download aborted")
	default:
		req.finish(StateError, err)
		req.logger.WithError(err).Error("Download failed")
	}
}

func (f *Fetcher) transfer(ctx context.Context, req *Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+req.Location, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if req.Auth != "" {
		httpReq.Header.Set("Authorization", "BD "+req.Auth)
	}
	if req.ResumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.ResumeFrom))
	}

	req.logger.WithField("url", httpReq.URL.String()).Debug("Connecting")
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}
	if !req.transition(StateConnecting, StateConnected) {
		return ErrAborted
	}
	if resp.ContentLength == 0 {
		return ErrEmptyContent
	}

	start, total := resumeWindow(resp)
	if req.ResumeFrom > 0 && start == 0 {
		req.logger.Warn("Server ignored range request, restarting from zero")
	}

	file, err := openTarget(req.Filename, start)
	if err != nil {
		return err
	}
	req.attach(file, start, total)
	if !req.transition(StateConnected, StateReceiving) {
		return ErrAborted
	}

	req.logger.WithFields(logrus.Fields{
		"start": start,
		"total": total,
	}).Info("Receiving")

	return f.receive(req, resp.Body, resp.ContentLength)
}

func (f *Fetcher) receive(req *Request, body io.Reader, length int64) error {
	buf := make([]byte, f.config.Cloud.ChunkSize)
	started := time.Now()
	lastLog := started

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if req.aborted.Load() {
				return ErrAborted
			}
			if werr := req.write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("receive failed: %w", err)
		}

		if time.Since(lastLog) >= time.Second {
			lastLog = time.Now()
			logProgress(req, length, started)
		}
	}

	if length > 0 && req.Received() < length {
		return fmt.Errorf("short body: %d of %d bytes", req.Received(), length)
	}
	return nil
}

func logProgress(req *Request, length int64, started time.Time) {
	received := req.Received()
	elapsed := time.Since(started).Seconds()
	fields := logrus.Fields{"received": received}
	if elapsed > 0 {
		rate := float64(received) / elapsed
		fields["rate_kib"] = int(rate / 1024)
		if length > 0 && rate > 0 {
			fields["percent"] = received * 100 / length
			fields["eta_s"] = int(float64(length-received) / rate)
		}
	}
	req.logger.WithFields(fields).Debug("Download progress")
}

// resumeWindow derives the file offset of the first body byte and the final
// file size. Only an echoed Content-Range moves the start away from zero.
func resumeWindow(resp *http.Response) (start, total int64) {
	total = resp.ContentLength
	if resp.StatusCode != http.StatusPartialContent {
		return 0, total
	}

	s, t, ok := parseContentRange(resp.Header.Get("Content-Range"))
	if !ok {
		return 0, total
	}
	if t < 0 && resp.ContentLength >= 0 {
		t = s + resp.ContentLength
	}
	return s, t
}

// parseContentRange parses "bytes first-last/total"; total is -1 for "*"
func parseContentRange(v string) (first, total int64, ok bool) {
	v, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(v, "/")
	if !found {
		return 0, 0, false
	}
	firstStr, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}

	first, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil || first < 0 {
		return 0, 0, false
	}
	if size == "*" {
		return first, -1, true
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return first, total, true
}

// openTarget opens the asset file for writing at start. A transfer from zero
// truncates; a resumed one requires the local file to hold start bytes.
func openTarget(name string, start int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset directory: %w", err)
	}

	file, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if info.Size() < start {
		file.Close()
		return nil, fmt.Errorf("resume offset %d beyond local size %d", start, info.Size())
	}
	if err := file.Truncate(start); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to truncate %s: %w", name, err)
	}
	return file, nil
}

// loadTLSConfig builds the client TLS configuration. Certificates may be
// PEM or raw DER files.
func loadTLSConfig(cfg config.CloudConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.CACert != "" {
		data, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			cert, err := x509.ParseCertificate(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse ca certificate: %w", err)
			}
			pool.AddCert(cert)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := loadClientCert(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func loadClientCert(certFile, keyFile string) (tls.Certificate, error) {
	certData, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read client certificate: %w", err)
	}
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to read client key: %w", err)
	}

	if cert, err := tls.X509KeyPair(certData, keyData); err == nil {
		return cert, nil
	}

	key, err := parsePrivateKey(keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse client key: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{certData},
		PrivateKey:  key,
	}, nil
}

func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	return x509.ParseECPrivateKey(der)
}
