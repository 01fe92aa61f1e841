package compaction

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ServiceConfig configures the scheduler service: which tables get a
// compactor, how often passes run, and the shared compactor tuning.
type ServiceConfig struct {
	Compaction       Config   `json:"compaction"`
	Tables           []string `json:"tables"`
	CheckIntervalSec float64  `json:"checkIntervalSec"`
	CursorPath       string   `json:"cursorPath,omitempty"` // Empty disables cursor durability
}

// DefaultServiceConfig returns a service covering the well-known metadata
// tables on a 10 minute cadence.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Compaction: DefaultConfig(),
		Tables: []string{
			"keyTable",
			"deletedTable",
			"fileTable",
			"directoryTable",
			"deletedDirectoryTable",
		},
		CheckIntervalSec: 600,
	}
}

// Validate checks if configuration values are reasonable
func (c *ServiceConfig) Validate() error {
	if err := c.Compaction.Validate(); err != nil {
		return err
	}
	if len(c.Tables) == 0 {
		return errInvalidConfig("at least one table must be configured")
	}
	if c.CheckIntervalSec <= 0 {
		return errInvalidConfig("checkIntervalSec must be > 0")
	}
	return nil
}

// TableReport summarizes one table's share of a pass.
type TableReport struct {
	Table     string     `json:"table"`
	Submitted []KeyRange `json:"submitted"`
	Executed  int        `json:"executed"`
	Failed    int        `json:"failed"`
}

// PassReport summarizes one full pass over all configured tables.
type PassReport struct {
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Tables    []TableReport `json:"tables"`
}

// ServiceStatus is a point-in-time snapshot for observability surfaces.
type ServiceStatus struct {
	Running    bool        `json:"running"`
	Passes     int         `json:"passes"`
	QueueDepth int         `json:"queueDepth"`
	LastPass   *PassReport `json:"lastPass,omitempty"`
}

// Service owns one compactor per configured table, runs collection passes on
// a ticker, and drains the shared task queue with a single worker. Candidate
// ranges are best-effort hints over point-in-time SST snapshots; the storage
// engine's own compaction machinery is responsible for correctness under
// concurrent writers.
type Service struct {
	cfg     ServiceConfig
	logger  *slog.Logger
	metrics *Metrics
	queue   *TaskQueue

	compactors map[string]Compactor
	order      []string
	cursors    *CursorStore

	mu       sync.Mutex
	running  bool
	passes   int
	lastPass *PassReport

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewService builds a compactor per configured table and, when a cursor path
// is set, restores persisted cursors.
func NewService(cfg ServiceConfig, meta MetadataManager, store DBStore,
	logger *slog.Logger, metrics *Metrics) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	queue := NewTaskQueue()
	s := &Service{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		queue:      queue,
		compactors: make(map[string]Compactor, len(cfg.Tables)),
	}
	for _, table := range cfg.Tables {
		c, err := NewBuilder().
			WithTable(table).
			WithConfig(cfg.Compaction).
			WithMetadataManager(meta).
			WithDBStore(store).
			WithQueue(queue).
			WithLogger(logger).
			WithMetrics(metrics).
			Build()
		if err != nil {
			return nil, errors.Wrapf(err, "build compactor for table %s", table)
		}
		s.compactors[table] = c
		s.order = append(s.order, table)
	}
	if cfg.CursorPath != "" {
		cs, err := NewCursorStore(cfg.CursorPath)
		if err != nil {
			return nil, err
		}
		s.cursors = cs
		if err := s.restoreCursors(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) restoreCursors() error {
	saved, err := s.cursors.Load()
	if err != nil {
		return err
	}
	for table, raw := range saved {
		c, ok := s.compactors[table]
		if !ok {
			continue
		}
		p, ok := c.(cursorPersistable)
		if !ok {
			continue
		}
		if err := p.restoreCursor(raw); err != nil {
			s.logger.Warn("discarding unreadable cursor", "table", table, "error", err)
		}
	}
	return nil
}

func (s *Service) persistCursors() {
	if s.cursors == nil {
		return
	}
	out := make(map[string]json.RawMessage, len(s.compactors))
	for table, c := range s.compactors {
		p, ok := c.(cursorPersistable)
		if !ok {
			continue
		}
		raw, err := p.cursorSnapshot()
		if err != nil {
			s.logger.Warn("failed to snapshot cursor", "table", table, "error", err)
			continue
		}
		out[table] = raw
	}
	if err := s.cursors.Save(out); err != nil {
		s.logger.Warn("failed to persist cursors", "error", err)
	}
}

// RunPass executes one pass over every table: collect qualifying ranges,
// enqueue them, then drain the queue. Execution failures feed the failed
// range back into its table's next pass.
func (s *Service) RunPass(ctx context.Context) PassReport {
	report := PassReport{StartedAt: time.Now()}
	for _, table := range s.order {
		if ctx.Err() != nil {
			break
		}
		c := s.compactors[table]
		tr := TableReport{Table: table, Submitted: c.RangesNeedingCompaction(ctx)}
		for _, r := range tr.Submitted {
			s.queue.Push(Task{Table: table, Range: r})
			s.metrics.rangeSubmitted(table)
		}
		report.Tables = append(report.Tables, tr)
	}

	s.metrics.setQueueDepth(s.queue.Len())
	for {
		if ctx.Err() != nil {
			break
		}
		task, ok := s.queue.Pop()
		if !ok {
			break
		}
		c := s.compactors[task.Table]
		if c == nil {
			continue
		}
		idx := s.tableIndex(&report, task.Table)
		if err := c.CompactRange(task.Range); err != nil {
			s.logger.Error("range compaction failed", "table", task.Table,
				"range", task.Range.String(), "error", err)
			s.metrics.compactionError(task.Table)
			if sink, ok := c.(interface{ noteFailedRange(KeyRange) }); ok {
				sink.noteFailedRange(task.Range)
			}
			if idx >= 0 {
				report.Tables[idx].Failed++
			}
			continue
		}
		s.metrics.compactionDone(task.Table)
		if idx >= 0 {
			report.Tables[idx].Executed++
		}
	}
	s.metrics.setQueueDepth(s.queue.Len())

	s.persistCursors()
	report.Elapsed = time.Since(report.StartedAt)

	s.mu.Lock()
	s.passes++
	s.lastPass = &report
	s.mu.Unlock()
	return report
}

func (s *Service) tableIndex(report *PassReport, table string) int {
	for i := range report.Tables {
		if report.Tables[i].Table == table {
			return i
		}
	}
	return -1
}

// Start launches the pass loop. Stop (or cancelling ctx) shuts it down.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	interval := time.Duration(s.cfg.CheckIntervalSec * float64(time.Second))
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.RunPass(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunPass(ctx)
			}
		}
	}()
	return nil
}

// Stop shuts the pass loop down and releases the cursor store. Safe to call
// on a service that was never started.
func (s *Service) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	if wasRunning {
		close(s.stopCh)
	}
	s.mu.Unlock()

	if wasRunning {
		<-s.doneCh
	}
	if s.cursors != nil {
		if err := s.cursors.Close(); err != nil {
			s.logger.Warn("failed to release cursor store", "error", err)
		}
		s.cursors = nil
	}
}

// Status returns a snapshot for status endpoints.
func (s *Service) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServiceStatus{
		Running:    s.running,
		Passes:     s.passes,
		QueueDepth: s.queue.Len(),
		LastPass:   s.lastPass,
	}
}
