package audit

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/oklog/ulid"

	"github.com/stephnangue/recordshare/logger"
	"github.com/stephnangue/recordshare/share"
)

// Recorder is the AccessLogger: it appends one immutable access-log row per
// validation attempt, and mirrors the entry to any configured devices.
//
// Recording failures are isolated here. A failed insert or device write is
// logged and counted but never surfaces to the validator, so a logging
// problem can never flip a denied outcome to allowed or vice versa.
type Recorder struct {
	store   share.Store
	devices []*Device
	log     logger.Logger
	now     func() time.Time
}

// RecorderConfig wires a Recorder.
type RecorderConfig struct {
	Store   share.Store
	Devices []*Device
	Logger  logger.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		store:   cfg.Store,
		devices: cfg.Devices,
		log:     cfg.Logger.WithSubsystem("audit"),
		now:     now,
	}
}

// Record implements share.AccessRecorder.
func (r *Recorder) Record(ctx context.Context, entry *share.AccessLog) {
	if entry.ID == "" {
		// ULIDs sort by time, which keeps the trail naturally ordered.
		entry.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}

	if err := r.store.AppendAccessLog(ctx, entry); err != nil {
		r.log.Error("failed to append access log row",
			logger.Err(err),
			logger.String("entry_id", entry.ID),
			logger.String("result", string(entry.Result)),
		)
	}

	var merr *multierror.Error
	for _, d := range r.devices {
		if err := d.Log(ctx, entry); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		r.log.Warn("one or more audit devices failed",
			logger.Err(err),
			logger.String("entry_id", entry.ID),
		)
	}
}

// Close closes all devices.
func (r *Recorder) Close() error {
	var merr *multierror.Error
	for _, d := range r.devices {
		if err := d.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
