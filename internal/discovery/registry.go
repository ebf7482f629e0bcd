// Package discovery maintains the capability-indexed directory of live
// agents, with TTL heartbeats and a background expiry sweeper.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/errors"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/discovery/store"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// DefaultMaxResults caps discovery responses when a query sets no limit.
const DefaultMaxResults = 50

// Registry is the single-writer agent directory. All reads come from the
// in-memory map; every mutation is persisted through the store.
type Registry struct {
	mu       sync.RWMutex
	records  map[string]*v1.AgentRecord
	capIndex map[string]map[string]struct{} // capability -> set of agent ids

	store      store.Store
	defaultTTL int
	maxResults int
	logger     *logger.Logger

	sweepInterval time.Duration
	sweeperMu     sync.Mutex
	running       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(cfg config.DiscoveryConfig, st store.Store, log *logger.Logger) *Registry {
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Registry{
		records:       make(map[string]*v1.AgentRecord),
		capIndex:      make(map[string]map[string]struct{}),
		store:         st,
		defaultTTL:    cfg.DefaultTTL,
		maxResults:    maxResults,
		sweepInterval: cfg.SweepIntervalDuration(),
		logger:        log.WithFields(zap.String("component", "discovery")),
	}
}

// Load restores the registry from the store.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.store.Load(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, record := range records {
		r.records[record.AgentID] = record
		r.indexCapabilities(record)
	}
	r.logger.Info("registry loaded", zap.Int("agents", len(r.records)))
	return nil
}

// Register upserts a record by agent id. Endpoints, capabilities, and
// metadata are overwritten; last_seen is set to now and the capability
// index entry for the agent is rebuilt.
func (r *Registry) Register(ctx context.Context, record *v1.AgentRecord) error {
	if record.AgentID == "" {
		return errors.BadRequest("agent_id is required")
	}

	r.mu.Lock()

	now := time.Now().UTC()
	stored := record.Clone()
	stored.LastSeen = now
	if stored.TTL <= 0 {
		stored.TTL = r.defaultTTL
	}
	if stored.Status == "" {
		stored.Status = v1.AgentStatusActive
	}
	if existing, ok := r.records[record.AgentID]; ok {
		stored.RegisteredAt = existing.RegisteredAt
		r.dropFromIndex(existing)
	} else {
		stored.RegisteredAt = now
	}
	r.records[stored.AgentID] = stored
	r.indexCapabilities(stored)

	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", stored.AgentID),
		zap.Strings("capabilities", stored.Capabilities))
	return r.persist(ctx)
}

// Unregister removes an agent and its capability index entries. Returns
// false when the agent was not registered.
func (r *Registry) Unregister(ctx context.Context, agentID string) (bool, error) {
	r.mu.Lock()
	record, ok := r.records[agentID]
	if ok {
		r.dropFromIndex(record)
		delete(r.records, agentID)
	}
	r.mu.Unlock()

	if !ok {
		return false, nil
	}
	r.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return true, r.persist(ctx)
}

// Heartbeat touches the agent's last_seen. Idempotent on everything else.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	record, ok := r.records[agentID]
	if ok {
		record.LastSeen = time.Now().UTC()
	}
	r.mu.Unlock()

	if !ok {
		return errors.NotFound("agent", agentID)
	}
	return r.persist(ctx)
}

// UpdateStatus sets the agent's status and touches last_seen.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status v1.AgentStatus) error {
	r.mu.Lock()
	record, ok := r.records[agentID]
	if ok {
		record.Status = status
		record.LastSeen = time.Now().UTC()
	}
	r.mu.Unlock()

	if !ok {
		return errors.NotFound("agent", agentID)
	}
	r.logger.Debug("agent status updated",
		zap.String("agent_id", agentID),
		zap.String("status", string(status)))
	return r.persist(ctx)
}

// Discover returns live records matching the query. Candidates must
// carry every requested capability; status defaults to active; expired
// records are skipped. Results are clones, truncated to max_results,
// with metadata stripped unless requested.
func (r *Registry) Discover(query v1.ServiceQuery) []*v1.AgentRecord {
	status := query.Status
	if status == "" {
		status = v1.AgentStatusActive
	}
	limit := query.MaxResults
	if limit <= 0 || limit > r.maxResults {
		limit = r.maxResults
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var results []*v1.AgentRecord
	for _, id := range r.sortedIDs() {
		record := r.records[id]
		if query.AgentID != "" && record.AgentID != query.AgentID {
			continue
		}
		if record.Status != status {
			continue
		}
		if record.IsExpired(now) {
			continue
		}
		if !hasAllCapabilities(record, query.Capabilities) {
			continue
		}

		clone := record.Clone()
		if !query.IncludeMetadata {
			clone.Metadata = nil
		}
		results = append(results, clone)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// AgentsByCapability returns live records advertising the capability,
// resolved through the secondary index.
func (r *Registry) AgentsByCapability(cap string) []*v1.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids, ok := r.capIndex[cap]
	if !ok {
		return nil
	}

	now := time.Now()
	var results []*v1.AgentRecord
	for id := range ids {
		record, ok := r.records[id]
		if !ok || record.IsExpired(now) {
			continue
		}
		results = append(results, record.Clone())
	}
	sort.Slice(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
	return results
}

// Stats summarizes the registry contents.
func (r *Registry) Stats() v1.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := v1.RegistryStats{
		TotalAgents:  len(r.records),
		StatusCounts: make(map[v1.AgentStatus]int),
	}
	for _, record := range r.records {
		stats.StatusCounts[record.Status]++
		if record.Status == v1.AgentStatusActive {
			stats.ActiveAgents++
		}
	}
	for cap := range r.capIndex {
		stats.Capabilities = append(stats.Capabilities, cap)
	}
	sort.Strings(stats.Capabilities)
	return stats
}

// Get returns a clone of one record, or nil if absent.
func (r *Registry) Get(agentID string) *v1.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[agentID]
	if !ok {
		return nil
	}
	return record.Clone()
}

// StartSweeper starts the background expiry sweeper.
func (r *Registry) StartSweeper() {
	r.sweeperMu.Lock()
	defer r.sweeperMu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.sweepLoop()
	r.logger.Info("registry sweeper started", zap.Duration("interval", r.sweepInterval))
}

// StopSweeper stops the sweeper and waits for the loop to exit.
func (r *Registry) StopSweeper() {
	r.sweeperMu.Lock()
	if !r.running {
		r.sweeperMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.sweeperMu.Unlock()

	r.wg.Wait()
	r.logger.Info("registry sweeper stopped")
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep unregisters every expired record. Returns the number removed.
func (r *Registry) Sweep(ctx context.Context) int {
	now := time.Now()

	r.mu.Lock()
	var expired []string
	for id, record := range r.records {
		if record.IsExpired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.dropFromIndex(r.records[id])
		delete(r.records, id)
	}
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	r.logger.Info("swept expired agents", zap.Strings("agent_ids", expired))
	if err := r.persist(ctx); err != nil {
		r.logger.Error("failed to persist registry after sweep", zap.Error(err))
	}
	return len(expired)
}

// persist snapshots the registry through the store.
func (r *Registry) persist(ctx context.Context) error {
	r.mu.RLock()
	snapshot := make([]*v1.AgentRecord, 0, len(r.records))
	for _, id := range r.sortedIDs() {
		snapshot = append(snapshot, r.records[id].Clone())
	}
	r.mu.RUnlock()

	if err := r.store.Save(ctx, snapshot); err != nil {
		r.logger.Error("failed to persist registry", zap.Error(err))
		return errors.Wrap(err, "failed to persist registry")
	}
	return nil
}

// sortedIDs returns agent ids in lexical order. Caller holds r.mu.
func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// indexCapabilities adds the record's capabilities to the secondary
// index. Caller holds r.mu.
func (r *Registry) indexCapabilities(record *v1.AgentRecord) {
	for _, cap := range record.Capabilities {
		ids, ok := r.capIndex[cap]
		if !ok {
			ids = make(map[string]struct{})
			r.capIndex[cap] = ids
		}
		ids[record.AgentID] = struct{}{}
	}
}

// dropFromIndex removes the record's capability index entries. Caller
// holds r.mu.
func (r *Registry) dropFromIndex(record *v1.AgentRecord) {
	for _, cap := range record.Capabilities {
		if ids, ok := r.capIndex[cap]; ok {
			delete(ids, record.AgentID)
			if len(ids) == 0 {
				delete(r.capIndex, cap)
			}
		}
	}
}

func hasAllCapabilities(record *v1.AgentRecord, caps []string) bool {
	for _, cap := range caps {
		if !record.HasCapability(cap) {
			return false
		}
	}
	return true
}
