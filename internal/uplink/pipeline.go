// Package uplink drains unsynced records to the configured endpoint. At most
// one batch is in flight at a time; retryable failures back off exponentially
// on the engine clock, terminal failures park the batch until the next drain
// trigger.
package uplink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Ikolvi/Tracelet-sub001/internal/config"
	"github.com/Ikolvi/Tracelet-sub001/internal/httputil"
	"github.com/Ikolvi/Tracelet-sub001/internal/monitoring"
	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/timeutil"
	"github.com/Ikolvi/Tracelet-sub001/internal/track"
)

// detailLimit caps how much of an error response body is kept for events.
const detailLimit = 512

// Batch is one bounded, ordered slice of unsynced records under a single
// upload id. It exists only for the duration of one upload cycle.
type Batch struct {
	ID      string
	Records []store.Record
}

// BatchSource is the store surface the pipeline drains.
type BatchSource interface {
	// NextBatch returns the oldest unsynced records, up to limit.
	NextBatch(limit int) ([]store.Record, error)
	// MarkSynced flags the records as acknowledged under batchID.
	MarkSynced(ids []int64, batchID string) error
}

// Options wires a pipeline's collaborators. Source is required.
type Options struct {
	Source BatchSource
	Config config.SyncConfig

	Client       httputil.HTTPClient      // defaults to http.DefaultClient
	Clock        timeutil.Clock           // defaults to the real clock
	Bus          *track.Bus               // defaults to a fresh bus
	Connectivity track.ConnectivitySource // nil never gates
	Metrics      *monitoring.Metrics      // nil disables metric registration
}

// Pipeline implements track.Syncer. Drain requests never block: a request
// arriving while a batch is in flight is deferred, and any number of deferred
// requests coalesce into one follow-up pass.
type Pipeline struct {
	source  BatchSource
	client  httputil.HTTPClient
	clock   timeutil.Clock
	bus     *track.Bus
	conn    track.ConnectivitySource
	metrics *monitoring.Metrics

	mu             sync.Mutex
	cfg            config.SyncConfig
	inFlight       bool
	deferred       bool
	deferredReason string
	closed         bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New builds an idle pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("uplink: batch source is required")
	}
	if opts.Client == nil {
		opts.Client = httputil.NewStandardClient(nil)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Bus == nil {
		opts.Bus = track.NewBus()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics(nil)
	}
	return &Pipeline{
		source:  opts.Source,
		client:  opts.Client,
		clock:   opts.Clock,
		bus:     opts.Bus,
		conn:    opts.Connectivity,
		metrics: opts.Metrics,
		cfg:     opts.Config,
		closeCh: make(chan struct{}),
	}, nil
}

// Configure installs new sync settings. They apply from the next drain; a
// drain already in flight finishes on the settings it started with.
func (p *Pipeline) Configure(cfg config.SyncConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// InFlight reports whether a drain is currently running.
func (p *Pipeline) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Drain requests an upload pass. Implements track.Syncer.
func (p *Pipeline) Drain(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.inFlight {
		p.deferred = true
		p.deferredReason = reason
		return
	}
	p.inFlight = true
	p.wg.Add(1)
	go p.drain(reason)
}

// Close stops the pipeline and waits for an in-flight drain to unwind. A
// backoff wait is interrupted; its batch stays unsynced for the next start.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closeCh)
	p.wg.Wait()
}

func (p *Pipeline) drain(reason string) {
	defer p.wg.Done()
	for {
		p.drainOnce(reason)

		p.mu.Lock()
		if p.deferred && !p.closed {
			reason = p.deferredReason
			p.deferred = false
			p.mu.Unlock()
			continue
		}
		p.deferred = false
		p.inFlight = false
		p.mu.Unlock()
		return
	}
}

// drainOnce uploads batches until the store has no unsynced records, a batch
// parks, or the pipeline closes.
func (p *Pipeline) drainOnce(reason string) {
	cfg := p.config()
	url := cfg.GetURL()
	if url == "" {
		return
	}
	for {
		select {
		case <-p.closeCh:
			return
		default:
		}
		if p.gated(cfg, reason) {
			monitoring.Debugf("uplink: drain (%s) skipped on cellular", reason)
			return
		}
		records, err := p.source.NextBatch(cfg.GetBatchSize())
		if err != nil {
			p.publishError(track.NewError(track.ErrStore, "uplink", err))
			return
		}
		if len(records) == 0 {
			return
		}
		if !p.uploadBatch(cfg, url, Batch{ID: uuid.NewString(), Records: records}) {
			return
		}
	}
}

// gated reports whether the drain is skipped on the current transport.
// Manual drains bypass the gate.
func (p *Pipeline) gated(cfg config.SyncConfig, reason string) bool {
	if reason == track.DrainManual {
		return false
	}
	if p.conn == nil || !cfg.GetDisableAutoSyncOnCellular() {
		return false
	}
	return p.conn.Current() == track.TransportCellular
}

// uploadBatch sends one batch to completion: acknowledged, parked after
// exhausting retries, or rejected. It reports whether the batch was
// acknowledged and the drain may continue.
func (p *Pipeline) uploadBatch(cfg config.SyncConfig, url string, batch Batch) bool {
	payload, err := encodeBatch(cfg, batch)
	if err != nil {
		p.publishError(track.NewError(track.ErrSyncTerminal, "uplink", err))
		return false
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.GetBackoffInitial()
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = cfg.GetBackoffCeiling()
	bo.MaxElapsedTime = 0
	bo.Reset()

	maxAttempts := cfg.GetMaxRetries() + 1
	for attempt := 1; ; attempt++ {
		status, detail, err := p.attempt(cfg, url, payload)

		switch {
		case err == nil && status >= 200 && status < 300:
			if merr := p.source.MarkSynced(recordIDs(batch.Records), batch.ID); merr != nil {
				p.publishError(track.NewError(track.ErrStore, "uplink", merr))
				return false
			}
			p.metrics.ObserveSyncBatch("success", len(batch.Records))
			p.publishHTTP(track.HTTPResult{
				BatchID:  batch.ID,
				Status:   status,
				Success:  true,
				Records:  len(batch.Records),
				Attempts: attempt,
			})
			monitoring.Debugf("uplink: batch %s synced %d records after %d attempt(s)", batch.ID, len(batch.Records), attempt)
			return true

		case err == nil && status >= 400 && status < 500:
			p.metrics.ObserveSyncBatch("terminal", 0)
			p.publishHTTP(track.HTTPResult{
				BatchID:  batch.ID,
				Status:   status,
				Records:  len(batch.Records),
				Attempts: attempt,
				Detail:   detail,
			})
			p.publishError(track.Errorf(track.ErrSyncTerminal, "uplink",
				"batch %s rejected: status %d: %s", batch.ID, status, detail))
			return false

		default:
			// Network failures, timeouts and 5xx responses are retryable.
			p.metrics.ObserveSyncBatch("retryable", 0)
			if err != nil {
				status, detail = 0, err.Error()
			}
			if attempt >= maxAttempts {
				p.publishHTTP(track.HTTPResult{
					BatchID:  batch.ID,
					Status:   status,
					Records:  len(batch.Records),
					Attempts: attempt,
					Detail:   detail,
				})
				p.publishError(track.Errorf(track.ErrSyncRetryable, "uplink",
					"batch %s parked after %d attempts: %s", batch.ID, attempt, detail))
				return false
			}
			if !p.wait(bo.NextBackOff()) {
				return false
			}
		}
	}
}

// attempt performs one upload request. Request bodies are consumed on send,
// so each attempt builds a fresh request. On a non-2xx response the leading
// detailLimit bytes of the body come back as detail.
func (p *Pipeline) attempt(cfg config.SyncConfig, url string, payload []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetHTTPTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, cfg.GetMethod(), url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, "", nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, detailLimit))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

// wait blocks for the backoff delay. It reports false when the pipeline
// closed during the wait.
func (p *Pipeline) wait(d time.Duration) bool {
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-p.closeCh:
		return false
	}
}

func (p *Pipeline) config() config.SyncConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Pipeline) publishHTTP(res track.HTTPResult) {
	p.bus.Publish(track.Event{Kind: track.EventHTTP, At: p.clock.Now(), HTTP: &res})
}

func (p *Pipeline) publishError(err *track.Error) {
	monitoring.Logf("uplink: %v", err)
	p.bus.Publish(track.ErrorEvent(p.clock.Now(), err))
}

// batchEnvelope is the upload body shape.
type batchEnvelope struct {
	BatchID  string            `json:"batch_id"`
	DeviceID string            `json:"device_id,omitempty"`
	Records  []json.RawMessage `json:"records"`
}

// encodeBatch renders the upload body. Records render through the configured
// templates when set; template output is embedded verbatim, so it must be
// valid JSON.
func encodeBatch(cfg config.SyncConfig, batch Batch) ([]byte, error) {
	env := batchEnvelope{
		BatchID:  batch.ID,
		DeviceID: cfg.GetDeviceID(),
		Records:  make([]json.RawMessage, 0, len(batch.Records)),
	}
	locTmpl := cfg.GetLocationTemplate()
	geoTmpl := cfg.GetGeofenceTemplate()
	for _, rec := range batch.Records {
		tmpl := locTmpl
		if rec.Type == store.TypeGeofence {
			tmpl = geoTmpl
		}
		if tmpl == "" {
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("marshal record %d: %w", rec.ID, err)
			}
			env.Records = append(env.Records, raw)
			continue
		}
		rendered := store.RenderTemplate(tmpl, rec)
		if !json.Valid([]byte(rendered)) {
			return nil, fmt.Errorf("record %d: template output is not valid JSON", rec.ID)
		}
		env.Records = append(env.Records, json.RawMessage(rendered))
	}
	return json.Marshal(env)
}

func recordIDs(batch []store.Record) []int64 {
	ids := make([]int64, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}
	return ids
}
