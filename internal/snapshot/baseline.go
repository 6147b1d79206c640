package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/model"
)

// Baseline is the persisted merged universe of the previous run, with a
// timestamped history of every snapshot it absorbed.
type Baseline struct {
	path       string
	historyDir string
	now        func() time.Time
}

// NewBaseline creates a Baseline stored at path. An empty historyDir
// disables history.
func NewBaseline(path, historyDir string) *Baseline {
	return &Baseline{path: path, historyDir: historyDir, now: time.Now}
}

// Path returns the baseline file location.
func (b *Baseline) Path() string { return b.path }

// Load reads the baseline. A missing file means first run and yields
// ok=false; a malformed one is an input error.
func (b *Baseline) Load() (recs []model.Record, ok bool, err error) {
	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "baseline: open %s", b.path)
	}
	defer f.Close() //nolint:errcheck

	recs, err = decodeJSON(context.Background(), f)
	if err != nil {
		return nil, false, eris.Wrapf(err, "baseline: decode %s", b.path)
	}
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return nil, false, eris.Wrapf(ErrInvalidRecord, "baseline record %d: %v", i, err)
		}
	}
	return recs, true, nil
}

// Save archives the previous baseline and the incoming snapshot, then
// atomically replaces the baseline with the merged universe.
func (b *Baseline) Save(incoming []model.Record, res DiffResult) error {
	if b.historyDir != "" {
		dir := filepath.Join(b.historyDir, b.now().UTC().Format("2006-01-02T15-04-05Z"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrap(err, "baseline: create history dir")
		}
		if err := copyFile(b.path, filepath.Join(dir, "baseline.json")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := writeJSON(filepath.Join(dir, "snapshot.json"), incoming); err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(dir, "new_entries.json"), nonNil(res.New)); err != nil {
			return err
		}
		zap.L().Info("baseline: history archived", zap.String("dir", dir))
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return eris.Wrap(err, "baseline: create dir")
	}
	return writeJSON(b.path, nonNil(res.Merged))
}

func nonNil(recs []model.Record) []model.Record {
	if recs == nil {
		return []model.Record{}
	}
	return recs
}

// writeJSON writes v to path through a temp file and rename.
func writeJSON(path string, v any) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".orgsync-*.tmp")
	if err != nil {
		return eris.Wrap(err, "baseline: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "baseline: encode %s", path)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "baseline: close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "baseline: replace %s", path)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "baseline: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "baseline: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "baseline: copy to %s", dst)
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "baseline: close %s", dst)
	}
	return nil
}
