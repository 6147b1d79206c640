package snapshot

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orgsync/internal/model"
)

// LoadOptions configures Load.
type LoadOptions struct {
	Source SourceOptions
	Decode DecodeOptions
}

// Load opens location and decodes its records. FormatAuto picks the format
// from the location's extension.
func Load(ctx context.Context, location string, opts LoadOptions) ([]model.Record, error) {
	if location == "" {
		return nil, eris.Wrap(ErrInvalidRecord, "snapshot: no input location configured")
	}
	if opts.Decode.Format == "" || opts.Decode.Format == FormatAuto {
		opts.Decode.Format = DetectFormat(location)
	}

	rc, err := Open(ctx, location, opts.Source)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	recs, err := Decode(ctx, rc, opts.Decode)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: load %s", location)
	}

	zap.L().Info("snapshot: loaded",
		zap.String("location", location),
		zap.String("format", string(opts.Decode.Format)),
		zap.Int("records", len(recs)),
	)
	return recs, nil
}

// Location is a configured snapshot input.
type Location struct {
	URL     string
	Options LoadOptions
}

// Records loads the snapshot at l.
func (l Location) Records(ctx context.Context) ([]model.Record, error) {
	return Load(ctx, l.URL, l.Options)
}
