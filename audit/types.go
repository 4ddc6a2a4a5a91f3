package audit

import (
	"context"
	"fmt"
	"sync"

	"github.com/stephnangue/recordshare/share"
)

// Format serializes one access-log entry for a sink.
type Format interface {
	Format(ctx context.Context, entry *share.AccessLog) ([]byte, error)

	// Name returns the format name
	Name() string
}

// Sink is a destination for formatted access-log entries.
type Sink interface {
	Write(ctx context.Context, entry []byte) error

	// Close closes the sink and releases resources
	Close() error

	// Name returns the sink name
	Name() string

	// Type returns the sink type (file, syslog, ...)
	Type() string
}

// Device combines a format and a sink into one mirror destination for
// access-log entries. The store-backed row remains the source of truth;
// devices exist for operators who want the trail on disk or shipped off the
// box as well.
type Device struct {
	mu      sync.RWMutex
	name    string
	format  Format
	sink    Sink
	enabled bool
}

// NewDevice creates an enabled audit device.
func NewDevice(name string, format Format, sink Sink) *Device {
	return &Device{
		name:    name,
		format:  format,
		sink:    sink,
		enabled: true,
	}
}

// Log formats and writes one entry.
func (d *Device) Log(ctx context.Context, entry *share.AccessLog) error {
	d.mu.RLock()
	enabled := d.enabled
	d.mu.RUnlock()

	if !enabled {
		return nil
	}

	formatted, err := d.format.Format(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to format entry: %w", err)
	}
	if err := d.sink.Write(ctx, formatted); err != nil {
		return fmt.Errorf("failed to write to sink: %w", err)
	}
	return nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Enabled returns whether the device is enabled.
func (d *Device) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// SetEnabled sets the enabled state.
func (d *Device) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Close closes the device.
func (d *Device) Close() error {
	return d.sink.Close()
}
