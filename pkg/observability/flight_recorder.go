package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/pgtether/pgtether/pkg/config"
)

// ErrRecorderDisabled is returned by snapshot operations when no flight
// recorder is configured.
var ErrRecorderDisabled = errors.New("flight recorder not enabled")

// FlightRecorderService keeps a runtime/trace ring buffer of recent
// execution history and snapshots it to disk on demand: SIGUSR1, an
// HTTP endpoint, or an automatic trigger from the proxy.
//
// A nil *FlightRecorderService is valid and inert.
type FlightRecorderService struct {
	recorder *trace.FlightRecorder
	config   *config.FlightRecorderConfig
	logger   *slog.Logger

	mu           sync.Mutex
	lastSnapshot time.Time
	snapshots    int64

	done chan struct{}
}

// FlightRecorderStatus is the JSON shape of the status endpoint.
type FlightRecorderStatus struct {
	Enabled      bool      `json:"enabled"`
	Running      bool      `json:"running"`
	OutputDir    string    `json:"output_dir,omitempty"`
	MinAge       string    `json:"min_age,omitempty"`
	MaxBytes     int64     `json:"max_bytes,omitempty"`
	Cooldown     string    `json:"cooldown,omitempty"`
	LastSnapshot time.Time `json:"last_snapshot,omitzero"`
	Snapshots    int64     `json:"snapshots"`
}

// NewFlightRecorderService builds the recorder. Returns nil when cfg is
// nil, meaning flight recording is disabled.
func NewFlightRecorderService(cfg *config.FlightRecorderConfig, logger *slog.Logger) *FlightRecorderService {
	if cfg == nil {
		return nil
	}
	recorder := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   cfg.GetMinAge(),
		MaxBytes: uint64(cfg.GetMaxBytes()),
	})
	return &FlightRecorderService{
		recorder: recorder,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins recording.
func (s *FlightRecorderService) Start() error {
	if s == nil {
		return nil
	}
	if err := s.recorder.Start(); err != nil {
		return fmt.Errorf("start flight recorder: %w", err)
	}
	s.logger.Info("flight recorder started",
		"output_dir", s.config.OutputDir,
		"min_age", s.config.GetMinAge(),
		"max_bytes", s.config.GetMaxBytes(),
	)
	return nil
}

// Stop ends recording and releases the signal handler.
func (s *FlightRecorderService) Stop() {
	if s == nil {
		return
	}
	close(s.done)
	s.recorder.Stop()
	s.mu.Lock()
	count := s.snapshots
	s.mu.Unlock()
	s.logger.Info("flight recorder stopped", "snapshots", count)
}

// Enabled reports whether the recorder exists and is running.
func (s *FlightRecorderService) Enabled() bool {
	return s != nil && s.recorder.Enabled()
}

// TakeSnapshot writes the current ring buffer to a trace file named
// after the time and reason, ignoring the cooldown. Returns the path.
func (s *FlightRecorderService) TakeSnapshot(reason string) (string, error) {
	if s == nil {
		return "", ErrRecorderDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := time.Now().Format("2006-01-02T15-04-05")
	name := fmt.Sprintf("pgtether-%s-%s.trace", stamp, sanitizeFilename(reason))
	path := filepath.Join(s.config.OutputDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create snapshot file: %w", err)
	}
	if _, err := s.recorder.WriteTo(f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close snapshot file: %w", err)
	}

	s.lastSnapshot = time.Now()
	s.snapshots++
	s.logger.Info("flight recorder snapshot captured", "path", path, "reason", reason)
	return path, nil
}

// TryTakeSnapshot captures a snapshot unless one was taken within the
// cooldown window. Automatic triggers use this to avoid flooding the
// output directory during a sustained incident.
func (s *FlightRecorderService) TryTakeSnapshot(reason string) (string, bool) {
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	tooSoon := time.Since(s.lastSnapshot) < s.config.GetCooldown()
	s.mu.Unlock()
	if tooSoon {
		return "", false
	}
	path, err := s.TakeSnapshot(reason)
	if err != nil {
		s.logger.Error("automatic snapshot failed", "reason", reason, "error", err)
		return "", false
	}
	return path, true
}

// WriteSnapshotTo streams the ring buffer to w, for the HTTP endpoint.
func (s *FlightRecorderService) WriteSnapshotTo(w io.Writer) error {
	if s == nil {
		return ErrRecorderDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.recorder.WriteTo(w); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.lastSnapshot = time.Now()
	s.snapshots++
	return nil
}

// SetupSignalHandler snapshots on SIGUSR1 until ctx ends or Stop runs.
// Signal-triggered snapshots bypass the cooldown.
func (s *FlightRecorderService) SetupSignalHandler(ctx context.Context) {
	if s == nil {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-sigCh:
				if _, err := s.TakeSnapshot("signal"); err != nil {
					s.logger.Error("signal-triggered snapshot failed", "error", err)
				}
			}
		}
	}()

	s.logger.Info("flight recorder signal handler registered", "signal", "SIGUSR1")
}

// Status reports the recorder state for the status endpoint.
func (s *FlightRecorderService) Status() FlightRecorderStatus {
	if s == nil {
		return FlightRecorderStatus{}
	}
	s.mu.Lock()
	last, count := s.lastSnapshot, s.snapshots
	s.mu.Unlock()
	return FlightRecorderStatus{
		Enabled:      true,
		Running:      s.recorder.Enabled(),
		OutputDir:    s.config.OutputDir,
		MinAge:       s.config.GetMinAge().String(),
		MaxBytes:     s.config.GetMaxBytes(),
		Cooldown:     s.config.GetCooldown().String(),
		LastSnapshot: last,
		Snapshots:    count,
	}
}

// RegisterHTTPHandlers adds the snapshot and status endpoints to mux,
// usually the metrics server's.
func (s *FlightRecorderService) RegisterHTTPHandlers(mux *http.ServeMux) {
	if s == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /debug/flight-recorder/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /debug/flight-recorder/status", s.handleStatus)
}

func (s *FlightRecorderService) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.Enabled() {
		http.Error(w, "flight recorder not running", http.StatusServiceUnavailable)
		return
	}
	stamp := time.Now().Format("2006-01-02T15-04-05")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "pgtether-"+stamp+".trace"))
	if err := s.WriteSnapshotTo(w); err != nil {
		// The response may be partially written; all we can do is log.
		s.logger.Error("streaming snapshot failed", "error", err)
	}
}

func (s *FlightRecorderService) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Error("encoding recorder status failed", "error", err)
	}
}

// sanitizeFilename keeps snapshot names shell-safe.
func sanitizeFilename(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		case c == ' ', c == '/', c == '\\':
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}
