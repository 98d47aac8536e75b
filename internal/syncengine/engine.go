// Package syncengine replicates the full database from a primary ("local")
// node to a replica ("cloud") node as point-in-time snapshots. The replica
// may run on an ephemeral filesystem; online sessions created directly
// against it are extracted before each overwrite and merged back in
// afterwards so a push never silently deletes cloud-only attendance.
package syncengine

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"classtrack/internal/clock"
	"classtrack/internal/metrics"
	"classtrack/internal/store"
)

var (
	// ErrOffline means the replica was unreachable; expected and retryable,
	// not a hard failure.
	ErrOffline = errors.New("cloud server unreachable")

	// ErrForbidden means the presented sync key did not match.
	ErrForbidden = errors.New("sync api key mismatch")

	// ErrCorruptSnapshot means an incoming blob failed the integrity check;
	// the live database was left untouched.
	ErrCorruptSnapshot = errors.New("snapshot failed integrity check")

	ErrWrongRole    = errors.New("operation not valid for this node role")
	ErrNoCloudURL   = errors.New("no cloud server url configured")
	errRemoteStatus = errors.New("cloud returned non-success status")
)

const (
	probeTimeout    = 5 * time.Second
	transferTimeout = 60 * time.Second
	userAgent       = "classtrack-sync/1.0"
)

// Payload is the wire format of one snapshot push.
type Payload struct {
	Timestamp string `json:"timestamp"`
	DBSize    int    `json:"db_size"`
	DBData    string `json:"db_data"` // base64 of the raw database file
	Source    string `json:"source"`
}

// MergeStats reports what a snapshot import preserved from the replica.
type MergeStats struct {
	Sessions   int `json:"merged_sessions"`
	Attendance int `json:"merged_attendance"`
}

// Status is the read-only sync diagnostic.
type Status struct {
	Role           string `json:"role"`
	DatabaseExists bool   `json:"database_exists"`
	DatabaseSize   int64  `json:"database_size_bytes"`
	CloudURL       string `json:"cloud_url,omitempty"`
	AutoSync       bool   `json:"auto_sync"`
	CloudReachable *bool  `json:"cloud_reachable,omitempty"`
}

// Engine drives snapshot export, push, receive and merge. The role is fixed
// at construction.
type Engine struct {
	db       *store.DB
	clk      clock.Clock
	cloudURL string
	apiKey   string
	isCloud  bool

	probe    *http.Client
	transfer *http.Client

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates an engine. cloudURL may be empty on a replica.
func New(db *store.DB, clk clock.Clock, cloudURL, apiKey string, isCloud bool) *Engine {
	return &Engine{
		db:       db,
		clk:      clk,
		cloudURL: strings.TrimRight(cloudURL, "/"),
		apiKey:   apiKey,
		isCloud:  isCloud,
		probe:    &http.Client{Timeout: probeTimeout},
		transfer: &http.Client{Timeout: transferTimeout},
	}
}

// Reachable probes the replica's health endpoint with a short timeout.
func (e *Engine) Reachable(ctx context.Context) bool {
	if e.cloudURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cloudURL+"/api/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := e.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ExportSnapshot produces a consistent point-in-time copy of the database as
// raw bytes. The copy goes through VACUUM INTO a temp file so concurrent
// writers never cause a torn read of the live file.
func (e *Engine) ExportSnapshot(ctx context.Context) ([]byte, error) {
	tmp := e.db.Path() + ".sync_export"
	_ = os.Remove(tmp) // VACUUM INTO refuses to overwrite

	if _, err := e.db.Handle().ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}
	defer os.Remove(tmp)

	data, err := os.ReadFile(tmp)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	log.Printf("sync: exported snapshot (%d bytes)", len(data))
	return data, nil
}

// Push exports a snapshot and sends it to the replica. Returns ErrOffline
// without attempting the transfer when the replica is unreachable; any
// non-2xx response is propagated with the remote status and body.
func (e *Engine) Push(ctx context.Context) error {
	if e.isCloud {
		return fmt.Errorf("%w: cannot push from the cloud replica", ErrWrongRole)
	}
	if e.cloudURL == "" {
		return ErrNoCloudURL
	}
	if !e.Reachable(ctx) {
		metrics.SyncPushes.WithLabelValues("offline").Inc()
		return ErrOffline
	}

	data, err := e.ExportSnapshot(ctx)
	if err != nil {
		metrics.SyncPushes.WithLabelValues("error").Inc()
		return err
	}

	body, err := json.Marshal(Payload{
		Timestamp: e.clk.Now().UTC().Format(time.RFC3339),
		DBSize:    len(data),
		DBData:    base64.StdEncoding.EncodeToString(data),
		Source:    "local",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cloudURL+"/api/sync/receive", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-API-Key", e.apiKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.transfer.Do(req)
	if err != nil {
		metrics.SyncPushes.WithLabelValues("error").Inc()
		return fmt.Errorf("push snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remote, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.SyncPushes.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: HTTP %d: %s", errRemoteStatus, resp.StatusCode, strings.TrimSpace(string(remote)))
	}

	metrics.SyncPushes.WithLabelValues("success").Inc()
	log.Printf("sync: push complete (%d bytes)", len(data))
	return nil
}

// Receive authenticates and applies an incoming snapshot on the replica.
// The key comparison is constant-time.
func (e *Engine) Receive(presentedKey string, p Payload) (MergeStats, error) {
	if subtle.ConstantTimeCompare([]byte(presentedKey), []byte(e.apiKey)) != 1 {
		return MergeStats{}, ErrForbidden
	}
	data, err := base64.StdEncoding.DecodeString(p.DBData)
	if err != nil {
		return MergeStats{}, fmt.Errorf("%w: bad base64: %v", ErrCorruptSnapshot, err)
	}
	if p.DBSize != 0 && p.DBSize != len(data) {
		return MergeStats{}, fmt.Errorf("%w: declared %d bytes, got %d", ErrCorruptSnapshot, p.DBSize, len(data))
	}
	return e.ImportAndMerge(data)
}

// AutoSync starts the background push loop. No-op on the replica, when no
// cloud URL is configured, or when already running.
func (e *Engine) AutoSync(interval time.Duration) {
	if e.isCloud {
		log.Println("sync: auto-sync not needed on cloud replica")
		return
	}
	if e.cloudURL == "" {
		log.Println("sync: cannot start auto-sync, no cloud url configured")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		log.Println("sync: auto-sync already running")
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	go e.loop(interval, e.stop, e.done)
}

// loop pushes on each tick while reachable. Failures are logged and
// swallowed; a failed sync must never take down the host.
func (e *Engine) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log.Printf("sync: auto-sync started (interval: %s)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), transferTimeout+probeTimeout)
			err := e.Push(ctx)
			cancel()
			switch {
			case err == nil:
			case errors.Is(err, ErrOffline):
				log.Println("sync: auto-sync skipped - offline")
			default:
				log.Printf("sync: auto-sync failed: %v", err)
			}
		case <-stop:
			log.Println("sync: auto-sync stopped")
			return
		}
	}
}

// Stop signals the auto-sync loop to exit and waits for it with a bounded
// timeout. Safe to call multiple times and from any goroutine; does not
// cancel an in-flight push, only prevents the next tick.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(probeTimeout):
		log.Println("sync: auto-sync did not stop within grace period")
	}
}

// AutoSyncRunning reports whether the background loop is active.
func (e *Engine) AutoSyncRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// GetStatus returns the read-only diagnostic. Reachability is probed only on
// the primary, where a cloud URL exists to probe.
func (e *Engine) GetStatus(ctx context.Context) Status {
	role := "local"
	if e.isCloud {
		role = "cloud"
	}
	size := e.db.Size()
	st := Status{
		Role:           role,
		DatabaseExists: size > 0,
		DatabaseSize:   size,
		CloudURL:       e.cloudURL,
		AutoSync:       e.AutoSyncRunning(),
	}
	if !e.isCloud && e.cloudURL != "" {
		reachable := e.Reachable(ctx)
		st.CloudReachable = &reachable
	}
	return st
}
