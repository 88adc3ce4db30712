package cluster

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// LogCommand is the command replicated through raft and applied by the
// TopologyFSM.
type LogCommand struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Operation types of the topology FSM.
const (
	OpAddNode           = "add_node"
	OpRemoveNode        = "remove_node"
	OpAssignSlotRange   = "assign_slot_range"
	OpSetPrimaryReplica = "set_primary_replica"
	OpPromoteReplica    = "promote_replica"
	OpRemoveReplica     = "remove_replica"
)

// TotalHashSlots is the fixed number of hash slots keys are spread over.
const TotalHashSlots = 1024

// Slot range statuses.
const (
	SlotStatusActive     = "active"
	SlotStatusRecovering = "recovering"
)

// SlotRange assigns a contiguous range of hash slots to a primary and its
// backups.
type SlotRange struct {
	RangeID     string    `json:"range_id"`
	StartSlot   int       `json:"start_slot"`
	EndSlot     int       `json:"end_slot"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	Primary     string    `json:"primary_node_id"`
	Backups     []string  `json:"replica_node_ids"`
}

func (r SlotRange) contains(slot int) bool {
	return slot >= r.StartSlot && slot <= r.EndSlot
}

// SlotForKey hashes key to its slot.
func SlotForKey(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key)) % TotalHashSlots)
}

// TopologyFSM implements raft.FSM. It holds the replicated node table and the
// slot assignments, and mirrors membership changes into a Registry.
type TopologyFSM struct {
	log      *zap.Logger
	registry *Registry

	mu          sync.RWMutex
	nodes       map[string]NodeInfo
	ranges      map[string]SlotRange
	lastApplied uint64
}

var (
	_ raft.FSM = (*TopologyFSM)(nil)
	_ Affinity = (*TopologyFSM)(nil)
)

// NewTopologyFSM creates an empty topology. registry may be nil.
func NewTopologyFSM(registry *Registry, log *zap.Logger) *TopologyFSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &TopologyFSM{
		log:      log.Named("topology"),
		registry: registry,
		nodes:    make(map[string]NodeInfo),
		ranges:   make(map[string]SlotRange),
	}
}

// AddNodeCommand encodes the command registering n.
func AddNodeCommand(n NodeInfo) ([]byte, error) {
	v, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return json.Marshal(LogCommand{Op: OpAddNode, Key: n.ID, Value: string(v)})
}

// RemoveNodeCommand encodes the command removing id.
func RemoveNodeCommand(id string) ([]byte, error) {
	return json.Marshal(LogCommand{Op: OpRemoveNode, Key: id})
}

// AssignSlotRangeCommand encodes the command installing r.
func AssignSlotRangeCommand(r SlotRange) ([]byte, error) {
	v, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return json.Marshal(LogCommand{Op: OpAssignSlotRange, Key: r.RangeID, Value: string(v)})
}

// Apply implements raft.FSM.
func (f *TopologyFSM) Apply(entry *raft.Log) interface{} {
	var cmd LogCommand
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.log.Error("Failed to unmarshal raft log entry", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("invalid log command: %w", err)
	}

	f.mu.Lock()
	f.lastApplied = entry.Index
	joined, left, err := f.applyLocked(entry.Index, cmd)
	f.mu.Unlock()

	if err != nil {
		f.log.Warn("Topology command rejected", zap.String("op", cmd.Op), zap.String("key", cmd.Key),
			zap.Uint64("index", entry.Index), zap.Error(err))
		return err
	}
	if f.registry != nil {
		if joined != nil {
			f.registry.Join(*joined)
		}
		if left != "" {
			f.registry.Leave(left)
		}
	}
	return nil
}

func (f *TopologyFSM) applyLocked(index uint64, cmd LogCommand) (*NodeInfo, string, error) {
	switch cmd.Op {
	case OpAddNode:
		var n NodeInfo
		if err := json.Unmarshal([]byte(cmd.Value), &n); err != nil {
			return nil, "", fmt.Errorf("invalid NodeInfo for %s: %w", cmd.Op, err)
		}
		// The raft index orders incarnations identically on every replica.
		n.Order = index
		f.nodes[n.ID] = n
		return &n, "", nil

	case OpRemoveNode:
		if _, ok := f.nodes[cmd.Key]; !ok {
			return nil, "", fmt.Errorf("node %s not found", cmd.Key)
		}
		delete(f.nodes, cmd.Key)
		for id, r := range f.ranges {
			if r.Primary == cmd.Key {
				r = promote(r, "")
			} else {
				r.Backups = without(r.Backups, cmd.Key)
			}
			r.LastUpdated = time.Now()
			f.ranges[id] = r
		}
		return nil, cmd.Key, nil

	case OpAssignSlotRange:
		var r SlotRange
		if err := json.Unmarshal([]byte(cmd.Value), &r); err != nil {
			return nil, "", fmt.Errorf("invalid SlotRange for %s: %w", cmd.Op, err)
		}
		if r.StartSlot < 0 || r.EndSlot >= TotalHashSlots || r.StartSlot > r.EndSlot {
			return nil, "", fmt.Errorf("slot range %d-%d out of bounds", r.StartSlot, r.EndSlot)
		}
		for id, other := range f.ranges {
			if id != r.RangeID && other.StartSlot <= r.EndSlot && r.StartSlot <= other.EndSlot {
				return nil, "", fmt.Errorf("slot range %s overlaps %s", r.RangeID, id)
			}
		}
		if r.Status == "" {
			r.Status = SlotStatusActive
		}
		r.LastUpdated = time.Now()
		f.ranges[r.RangeID] = r
		return nil, "", nil

	case OpSetPrimaryReplica:
		var r SlotRange
		if err := json.Unmarshal([]byte(cmd.Value), &r); err != nil {
			return nil, "", fmt.Errorf("invalid SlotRange for %s: %w", cmd.Op, err)
		}
		existing, ok := f.ranges[r.RangeID]
		if !ok {
			return nil, "", fmt.Errorf("slot range %s not found for primary/replica assignment", r.RangeID)
		}
		existing.Primary = r.Primary
		existing.Backups = r.Backups
		if r.Status != "" {
			existing.Status = r.Status
		}
		existing.LastUpdated = time.Now()
		f.ranges[r.RangeID] = existing
		return nil, "", nil

	case OpPromoteReplica:
		existing, ok := f.ranges[cmd.Key]
		if !ok {
			return nil, "", fmt.Errorf("slot range %s not found for replica promotion", cmd.Key)
		}
		old := existing.Primary
		existing = promote(existing, cmd.Value)
		if old != "" {
			existing.Backups = append(existing.Backups, old)
		}
		existing.LastUpdated = time.Now()
		f.ranges[cmd.Key] = existing
		return nil, "", nil

	case OpRemoveReplica:
		existing, ok := f.ranges[cmd.Key]
		if !ok {
			return nil, "", fmt.Errorf("slot range %s not found for replica removal", cmd.Key)
		}
		existing.Backups = without(existing.Backups, cmd.Value)
		existing.LastUpdated = time.Now()
		f.ranges[cmd.Key] = existing
		return nil, "", nil

	default:
		return nil, "", fmt.Errorf("unknown topology command operation: %s", cmd.Op)
	}
}

// promote makes target (or the first backup when empty) the primary of r and
// drops it from the backups. A range without any backup is left without a
// primary and marked recovering.
func promote(r SlotRange, target string) SlotRange {
	if target == "" {
		if len(r.Backups) == 0 {
			r.Primary = ""
			r.Status = SlotStatusRecovering
			return r
		}
		target = r.Backups[0]
	}
	r.Primary = target
	r.Backups = without(r.Backups, target)
	r.Status = SlotStatusActive
	return r
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Owners implements Affinity.
func (f *TopologyFSM) Owners(key string) (string, []string, bool) {
	slot := SlotForKey(key)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.ranges {
		if r.contains(slot) && r.Primary != "" {
			return r.Primary, append([]string(nil), r.Backups...), true
		}
	}
	return "", nil, false
}

// Node returns a registered node.
func (f *TopologyFSM) Node(id string) (NodeInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Nodes returns the registered nodes sorted by id.
func (f *TopologyFSM) Nodes() []NodeInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]NodeInfo, 0, len(f.nodes))
	for _, id := range sortedKeys(f.nodes) {
		out = append(out, f.nodes[id])
	}
	return out
}

// SlotRanges returns the slot assignments ordered by start slot.
func (f *TopologyFSM) SlotRanges() []SlotRange {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]SlotRange, 0, len(f.ranges))
	for _, r := range f.ranges {
		r.Backups = append([]string(nil), r.Backups...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartSlot < out[j].StartSlot })
	return out
}

// LastApplied returns the index of the last applied log entry.
func (f *TopologyFSM) LastApplied() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastApplied
}

type topologySnapshotData struct {
	Nodes  map[string]NodeInfo  `json:"nodes"`
	Ranges map[string]SlotRange `json:"slot_assignments"`
}

// Snapshot implements raft.FSM.
func (f *TopologyFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data := topologySnapshotData{
		Nodes:  make(map[string]NodeInfo, len(f.nodes)),
		Ranges: make(map[string]SlotRange, len(f.ranges)),
	}
	for k, v := range f.nodes {
		data.Nodes[k] = v
	}
	for k, v := range f.ranges {
		v.Backups = append([]string(nil), v.Backups...)
		data.Ranges[k] = v
	}
	f.log.Debug("Topology snapshot created", zap.Uint64("index", f.lastApplied))
	return &topologySnapshot{data: data}, nil
}

// Restore implements raft.FSM.
func (f *TopologyFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data topologySnapshotData
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("failed to decode topology snapshot: %w", err)
	}
	if data.Nodes == nil {
		data.Nodes = make(map[string]NodeInfo)
	}
	if data.Ranges == nil {
		data.Ranges = make(map[string]SlotRange)
	}

	f.mu.Lock()
	f.nodes = data.Nodes
	f.ranges = data.Ranges
	f.mu.Unlock()

	if f.registry != nil {
		for _, id := range f.registry.LiveNodes() {
			if _, ok := data.Nodes[id]; !ok {
				f.registry.Leave(id)
			}
		}
		for _, id := range sortedKeys(data.Nodes) {
			n := data.Nodes[id]
			if order, ok := f.registry.NodeOrder(id); !ok || order != n.Order {
				f.registry.Join(n)
			}
		}
	}
	f.log.Info("Topology restored from snapshot", zap.Int("nodes", len(data.Nodes)), zap.Int("ranges", len(data.Ranges)))
	return nil
}

type topologySnapshot struct {
	data topologySnapshotData
}

// Persist implements raft.FSMSnapshot.
func (s *topologySnapshot) Persist(sink raft.SnapshotSink) error {
	b, err := json.Marshal(s.data)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to marshal topology snapshot: %w", err)
	}
	if _, err := sink.Write(b); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write topology snapshot to sink: %w", err)
	}
	return sink.Close()
}

// Release implements raft.FSMSnapshot.
func (s *topologySnapshot) Release() {}

// EvenSlotRanges splits the slot space into one range per node, with the
// next backups nodes (in ring order) as backups of each range.
func EvenSlotRanges(nodes []string, backups int) []SlotRange {
	if len(nodes) == 0 {
		return nil
	}
	ids := append([]string(nil), nodes...)
	sort.Strings(ids)
	if backups >= len(ids) {
		backups = len(ids) - 1
	}

	out := make([]SlotRange, 0, len(ids))
	per := TotalHashSlots / len(ids)
	for i, id := range ids {
		start := i * per
		end := start + per - 1
		if i == len(ids)-1 {
			end = TotalHashSlots - 1
		}
		r := SlotRange{
			RangeID:   fmt.Sprintf("%d-%d", start, end),
			StartSlot: start,
			EndSlot:   end,
			Status:    SlotStatusActive,
			Primary:   id,
		}
		for b := 1; b <= backups; b++ {
			r.Backups = append(r.Backups, ids[(i+b)%len(ids)])
		}
		out = append(out, r)
	}
	return out
}
