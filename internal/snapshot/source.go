package snapshot

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/resilience"
)

// SourceOptions configures how snapshot locations are opened.
type SourceOptions struct {
	Timeout    time.Duration
	HTTPClient *http.Client
	Retry      resilience.Policy
}

// Open returns a reader for a snapshot location: a local path, a file://,
// http(s):// or ftp:// URL. The caller must close the reader.
func Open(ctx context.Context, location string, opts SourceOptions) (io.ReadCloser, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths (including Windows drive letters).
		return openFile(location)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return openHTTP(ctx, location, opts)
	case "ftp":
		return openFTP(ctx, u, opts)
	}
	return nil, eris.Errorf("snapshot: unsupported scheme %q", u.Scheme)
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: open %s", path)
	}
	return f, nil
}

func openHTTP(ctx context.Context, rawURL string, opts SourceOptions) (io.ReadCloser, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	opts.Retry.OnRetry = resilience.LogRetry("snapshot", "download", zap.String("url", rawURL))
	return resilience.Retry(ctx, opts.Retry, func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "snapshot: build request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "snapshot: http get")
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close() //nolint:errcheck
			return nil, resilience.HTTPError("snapshot", resp.StatusCode, body)
		}
		return resp.Body, nil
	})
}

// ftpReader closes the FTP response and the control connection together.
type ftpReader struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (r *ftpReader) Read(p []byte) (int, error) { return r.resp.Read(p) }

func (r *ftpReader) Close() error {
	respErr := r.resp.Close()
	quitErr := r.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "snapshot: close ftp response")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "snapshot: quit ftp")
	}
	return nil
}

func openFTP(ctx context.Context, u *url.URL, opts SourceOptions) (io.ReadCloser, error) {
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" || u.Path == "/" {
		return nil, eris.New("snapshot: empty path in ftp url")
	}

	user, pass := "anonymous", "anonymous@"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}

	zap.L().Debug("snapshot: connecting to ftp", zap.String("host", host), zap.String("path", u.Path))

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: ftp dial")
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "snapshot: ftp login")
	}
	resp, err := conn.Retr(u.Path)
	if err != nil {
		conn.Quit() //nolint:errcheck
		return nil, eris.Wrap(err, "snapshot: ftp retrieve")
	}
	return &ftpReader{resp: resp, conn: conn}, nil
}
