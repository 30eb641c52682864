package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"teddybox/internal/config"
	"teddybox/internal/content"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdentity = content.Identity(0x0011223344556677)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, string) {
	t.Helper()

	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Content.Root = t.TempDir()
	cfg.Cloud.LockTimeoutMs = 50

	f, err := New(cfg, quietLogger(), WithHTTPClient(srv.Client()), WithBaseURL(srv.URL))
	require.NoError(t, err)
	return f, cfg.Content.Root
}

func runWorker(t *testing.T, f *Fetcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitDone(t *testing.T, req *Request) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, req.Wait(ctx))
}

func TestFetchFullAsset(t *testing.T) {
	data := payload(3*4096 + 100)
	token := content.Token{0xAB, 0xCD}

	f, root := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, testIdentity.Location(), r.URL.Path)
		assert.Equal(t, "BD "+token.Hex(), r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Range"))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	})
	runWorker(t, f)

	var finished *Request
	f.OnFinished = func(req *Request) { finished = req }

	req, err := f.Start(context.Background(), testIdentity, token, 0)
	require.NoError(t, err)
	waitDone(t, req)

	assert.Equal(t, StateFinished, req.State())
	assert.NoError(t, req.Err())
	assert.Equal(t, int64(len(data)), req.Available())
	assert.Equal(t, int64(len(data)), req.TotalLength())
	assert.Same(t, req, finished)

	got, err := os.ReadFile(testIdentity.Path(root))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchWithoutToken(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte("x"))
	})
	runWorker(t, f)

	req, err := f.Start(context.Background(), testIdentity, content.Token{}, 0)
	require.NoError(t, err)
	waitDone(t, req)
	assert.Equal(t, StateFinished, req.State())
}

func TestFetchResumesWithRange(t *testing.T) {
	data := payload(5 * 4096)
	const have = 2*4096 + 17

	f, root := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, fmt.Sprintf("bytes=%d-", have), r.Header.Get("Range"))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", have, len(data)-1, len(data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)-have))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[have:])
	})
	runWorker(t, f)

	path := testIdentity.Path(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data[:have], 0644))

	req, err := f.Start(context.Background(), testIdentity, content.Token{1}, have)
	require.NoError(t, err)
	waitDone(t, req)

	require.Equal(t, StateFinished, req.State(), "err: %v", req.Err())
	assert.Equal(t, int64(len(data)-have), req.Received())
	assert.Equal(t, int64(len(data)), req.Available())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	data := payload(2 * 4096)

	f, root := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("Range"))
		w.Write(data)
	})
	runWorker(t, f)

	path := testIdentity.Path(root)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xFF}, 3*4096), 0644))

	req, err := f.Start(context.Background(), testIdentity, content.Token{1}, 3*4096)
	require.NoError(t, err)
	waitDone(t, req)
	require.Equal(t, StateFinished, req.State())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusNotFound)
			},
			want: ErrHTTPStatus,
		},
		{
			name: "forbidden",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			want: ErrHTTPStatus,
		},
		{
			name: "empty content",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
			},
			want: ErrEmptyContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newTestFetcher(t, tt.handler)
			runWorker(t, f)

			req, err := f.Start(context.Background(), testIdentity, content.Token{1}, 0)
			require.NoError(t, err)
			waitDone(t, req)

			assert.Equal(t, StateError, req.State())
			assert.ErrorIs(t, req.Err(), tt.want)
		})
	}
}

func TestAbortRunningDownload(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload(4096))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	runWorker(t, f)

	req, err := f.Start(context.Background(), testIdentity, content.Token{1}, 0)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		updated := req.Updated()
		if req.Available() >= 4096 {
			break
		}
		select {
		case <-updated:
		case <-deadline:
			t.Fatal("no data received")
		}
	}

	buf := make([]byte, 8192)
	n, err := req.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	n, err = req.ReadAt(buf, 4096)
	assert.NoError(t, err)
	assert.Zero(t, n)

	req.Abort()
	waitDone(t, req)

	assert.Equal(t, StateAborted, req.State())
	assert.ErrorIs(t, req.Err(), ErrAborted)

	_, err = req.ReadAt(buf, 0)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestAbortQueuedRequest(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("queued request must not connect")
	})

	req, err := f.Start(context.Background(), testIdentity, content.Token{1}, 0)
	require.NoError(t, err)
	assert.Equal(t, StateInit, req.State())

	req.Abort()
	select {
	case <-req.Done():
	default:
		t.Fatal("queued request not terminated by abort")
	}
	assert.Equal(t, StateAborted, req.State())

	// the worker skips the aborted request
	runWorker(t, f)
}

func TestStartAbortsPrevious(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {})

	first, err := f.Start(context.Background(), testIdentity, content.Token{1}, 0)
	require.NoError(t, err)
	second, err := f.Start(context.Background(), testIdentity+1, content.Token{1}, 0)
	require.NoError(t, err)

	assert.Equal(t, StateAborted, first.State())
	assert.Equal(t, StateInit, second.State())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, f.Jobs(), 2)
}

func TestJobHistoryBounded(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {})
	f.queue = make(chan *Request, 16)
	f.history = 3

	var reqs []*Request
	for i := 0; i < 6; i++ {
		req, err := f.Start(context.Background(), testIdentity+content.Identity(i), content.Token{1}, 0)
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	jobs := f.Jobs()
	require.Len(t, jobs, 3)

	ids := make(map[string]string)
	for _, j := range jobs {
		ids[j.ID] = j.State
	}
	assert.Equal(t, StateInit.String(), ids[reqs[5].ID])
	assert.Contains(t, ids, reqs[4].ID)
	assert.Contains(t, ids, reqs[3].ID)
	assert.NotContains(t, ids, reqs[0].ID)
}

func TestQueueFull(t *testing.T) {
	f, _ := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {})
	f.queue = make(chan *Request)

	_, err := f.Start(context.Background(), testIdentity, content.Token{1}, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in    string
		first int64
		total int64
		ok    bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-0/1", 0, 1, true},
		{"bytes 4096-8191/*", 4096, -1, true},
		{"bytes */200", 0, 0, false},
		{"items 1-2/3", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		first, total, ok := parseContentRange(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.first, first, tt.in)
			assert.Equal(t, tt.total, total, tt.in)
		}
	}
}

func TestFileLockLogsTimeout(t *testing.T) {
	logger, hook := test.NewNullLogger()
	lock := newFileLock(10*time.Millisecond, logger.WithField("request", "t"))

	lock.acquire()
	acquired := make(chan struct{})
	go func() {
		lock.acquire()
		close(acquired)
	}()

	time.Sleep(60 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("lock acquired twice")
	default:
	}
	lock.release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	lock.release()

	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "Timed out waiting for file lock", hook.AllEntries()[0].Message)
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)
}
