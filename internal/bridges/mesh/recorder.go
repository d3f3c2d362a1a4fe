package mesh

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meshbridge/internal/meshtastic"
)

// defaultFlushInterval is used when NodeRecorderConfig.FlushInterval is zero.
const defaultFlushInterval = 10 * time.Second

// NodeSighting is what the recorder knows about one node.
type NodeSighting struct {
	NodeID      string
	NodeNum     uint32
	FirstSeen   time.Time
	LastSeen    time.Time
	PacketCount int64
	LastPort    meshtastic.PortNum
	LastSNR     float32
	LastRSSI    int32
}

// NodeRecorderConfig holds configuration for the node recorder.
type NodeRecorderConfig struct {
	// DB must have the node_sightings table.
	DB *sql.DB

	// FlushInterval is how often buffered sightings are written.
	// Default: 10 seconds.
	FlushInterval time.Duration

	Logger Logger
}

// NodeRecorder passively records every node heard on the mesh. Sightings
// are aggregated in memory and written in batches so the radio receive
// path never waits on the database.
//
// Thread Safety: All methods are safe for concurrent use.
type NodeRecorder struct {
	db       *sql.DB
	interval time.Duration
	logger   Logger
	now      func() time.Time

	// Prepared upsert (created once, reused)
	upsertStmt *sql.Stmt
	stmtMu     sync.Mutex

	pending map[uint32]*NodeSighting
	mu      sync.Mutex
	closed  bool

	// Shutdown coordination
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNodeRecorder creates a recorder. Call Start before recording.
func NewNodeRecorder(cfg NodeRecorderConfig) *NodeRecorder {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &NodeRecorder{
		db:       cfg.DB,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[uint32]*NodeSighting),
		done:     make(chan struct{}),
	}
}

// Start prepares the upsert statement and starts the flush loop.
// Calling Start again is a no-op.
func (r *NodeRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil // Already started
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO node_sightings (node_id, node_num, first_seen, last_seen, packet_count, last_port, last_snr, last_rssi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			first_seen = MIN(first_seen, excluded.first_seen),
			last_seen = MAX(last_seen, excluded.last_seen),
			packet_count = packet_count + excluded.packet_count,
			last_port = excluded.last_port,
			last_snr = excluded.last_snr,
			last_rssi = excluded.last_rssi
	`)
	if err != nil {
		return fmt.Errorf("preparing node upsert statement: %w", err)
	}
	r.upsertStmt = stmt

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("node recorder started", "flush_interval", r.interval.String())
	return nil
}

// Stop flushes what is buffered and releases the statement.
// Safe to call multiple times.
func (r *NodeRecorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		if err := r.Flush(context.Background()); err != nil {
			r.logger.Error("final node flush failed", "error", err)
		}

		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		r.stmtMu.Lock()
		if r.upsertStmt != nil {
			r.upsertStmt.Close()
			r.upsertStmt = nil
		}
		r.stmtMu.Unlock()

		r.logger.Info("node recorder stopped")
	})
}

// RecordPacket buffers a sighting of the packet's sender.
func (r *NodeRecorder) RecordPacket(p *meshtastic.MeshPacket) {
	if p == nil || p.From == 0 {
		return
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	s, ok := r.pending[p.From]
	if !ok {
		s = &NodeSighting{
			NodeID:    meshtastic.NodeID(p.From),
			NodeNum:   p.From,
			FirstSeen: now,
		}
		r.pending[p.From] = s
	}
	s.LastSeen = now
	s.PacketCount++
	s.LastPort = p.Port()
	s.LastSNR = p.RxSNR
	s.LastRSSI = p.RxRSSI
}

// Pending returns how many nodes are waiting to be flushed.
func (r *NodeRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush writes buffered sightings in one transaction. On failure the
// batch is discarded.
func (r *NodeRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = make(map[uint32]*NodeSighting)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt == nil {
		return nil // Not started
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning node flush: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt := tx.StmtContext(ctx, r.upsertStmt)
	for _, s := range batch {
		if _, err := stmt.ExecContext(ctx,
			s.NodeID, s.NodeNum,
			s.FirstSeen.Unix(), s.LastSeen.Unix(),
			s.PacketCount, int(s.LastPort), s.LastSNR, s.LastRSSI,
		); err != nil {
			return fmt.Errorf("recording node %s: %w", s.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing node flush: %w", err)
	}
	r.logger.Debug("node sightings flushed", "count", len(batch))
	return nil
}

// Sightings returns every recorded node, most recently heard first.
func (r *NodeRecorder) Sightings(ctx context.Context) ([]NodeSighting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, node_num, first_seen, last_seen, packet_count, last_port, last_snr, last_rssi
		FROM node_sightings
		ORDER BY last_seen DESC, node_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeSighting
	for rows.Next() {
		var (
			s             NodeSighting
			first, last   int64
			port          int
			snr           float64
			nodeNum, rssi int64
		)
		if err := rows.Scan(&s.NodeID, &nodeNum, &first, &last, &s.PacketCount, &port, &snr, &rssi); err != nil {
			return nil, err
		}
		s.NodeNum = uint32(nodeNum)
		s.FirstSeen = time.Unix(first, 0)
		s.LastSeen = time.Unix(last, 0)
		s.LastPort = meshtastic.PortNum(port)
		s.LastSNR = float32(snr)
		s.LastRSSI = int32(rssi)
		out = append(out, s)
	}

	return out, rows.Err()
}

// NodeCount returns the number of recorded nodes.
func (r *NodeRecorder) NodeCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_sightings`).Scan(&count)
	return count, err
}

func (r *NodeRecorder) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.Flush(context.Background()); err != nil {
				r.logger.Error("flushing node sightings failed", "error", err)
			}
		}
	}
}
