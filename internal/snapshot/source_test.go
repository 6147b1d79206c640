package snapshot

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orgsync/internal/resilience"
)

const sampleJSON = `[{"dataset":"a","unique_id":"1","name":"Acme Corporation"},{"dataset":"b","unique_id":"2","name":"Acme Corp"}]`

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestOpenLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uk_data.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

	for _, loc := range []string{path, "file://" + path} {
		rc, err := Open(context.Background(), loc, SourceOptions{})
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, sampleJSON, string(data))
	}

	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.json"), SourceOptions{})
	assert.Error(t, err)
}

func TestOpenHTTPRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(sampleJSON)) //nolint:errcheck
	}))
	defer srv.Close()

	recs, err := Load(context.Background(), srv.URL+"/uk_data.json", LoadOptions{Source: SourceOptions{Retry: fastRetry()}})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenHTTPPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL, SourceOptions{Retry: fastRetry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "s3://bucket/key.json", SourceOptions{})
	assert.ErrorContains(t, err, "unsupported scheme")
}

func TestOpenFTPRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "ftp://example.org", SourceOptions{})
	assert.ErrorContains(t, err, "empty path")
}

func TestLoadWithoutLocation(t *testing.T) {
	_, err := Load(context.Background(), "", LoadOptions{})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestLocationRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uk_data.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

	recs, err := Location{URL: path}.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Acme Corp", recs[1].Name)
}
