// Package housekeeping runs the periodic maintenance jobs (spec §4.9, C8):
// the key-file reloader and the rids-handle closer each tick on their own
// timer, independent of the event loop and worker pool.
//
// Grounded on xtaci-kcptun/std/snmp.go's ticker-driven periodic job shape,
// reused here for both jobs, and on
// original_source/src/remoted/secure.c's rem_keyupdate_main / close_fp_main
// thread loops.
package housekeeping

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xtaci/agentsec/keystore"
	"github.com/xtaci/agentsec/metricsx"
)

// KeyReloader checks the key source on a fixed interval and reloads the
// store when its change token differs (spec §4.3 "reload_if_changed").
type KeyReloader struct {
	log      zerolog.Logger
	store    *keystore.Store
	interval time.Duration
	metrics  *metricsx.Registry
}

// NewKeyReloader builds a KeyReloader. interval is clamped to [1s, 3600s]
// per spec's KeyUpdateInterval bound.
func NewKeyReloader(log zerolog.Logger, store *keystore.Store, interval time.Duration, metrics *metricsx.Registry) *KeyReloader {
	return &KeyReloader{log: log, store: store, interval: clamp(interval, time.Second, 3600*time.Second), metrics: metrics}
}

// Run ticks until ctx is cancelled.
func (k *KeyReloader) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.tick()
		}
	}
}

func (k *KeyReloader) tick() {
	changed, err := k.store.ReloadIfChanged()
	if err != nil {
		k.log.Error().Err(err).Msg("key reload failed")
		return
	}
	if changed {
		k.metrics.KeysReload.Inc()
		k.log.Info().Msg("key file reloaded")
	}
}

// RidsCloser walks the rids LRU queue on a fixed interval, closing any
// handle idle longer than its configured closing time (spec §4.3 "I4",
// §4.9 "rids-handle closer").
type RidsCloser struct {
	log          zerolog.Logger
	store        *keystore.Store
	interval     time.Duration
	closingTime  time.Duration
}

// NewRidsCloser builds a RidsCloser. interval is how often the queue is
// walked; closingTime is RidsClosingTime from config.
func NewRidsCloser(log zerolog.Logger, store *keystore.Store, interval, closingTime time.Duration) *RidsCloser {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &RidsCloser{log: log, store: store, interval: interval, closingTime: closingTime}
}

// Run ticks until ctx is cancelled.
func (r *RidsCloser) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *RidsCloser) tick() {
	cutoff := time.Now().Add(-r.closingTime)
	n := r.store.CloseIdleRids(cutoff)
	if n > 0 {
		r.log.Debug().Int("count", n).Msg("closed idle rids handles")
	}
}

// BusConnector opens the downstream bus endpoint at startup with infinite
// retry (spec §4.9 "downstream bus connector"); in-flight reconnection on
// send failure is handled inline by worker.Pool.handleEvent, not here.
type BusConnector interface {
	Connect(stop <-chan struct{}) error
}

// ConnectBusAtStartup blocks until bus reports itself connected or stop
// closes.
func ConnectBusAtStartup(log zerolog.Logger, bus BusConnector, stop <-chan struct{}) error {
	log.Info().Msg("connecting to downstream bus")
	if err := bus.Connect(stop); err != nil {
		return err
	}
	log.Info().Msg("downstream bus connected")
	return nil
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
