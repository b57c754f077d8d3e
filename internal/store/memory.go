package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/rendis/sagacore/pkg/schema"
)

const (
	tableInstances = "instances"
	tableGates     = "gates"
	tableChains    = "chains"
	tableEvents    = "events"
)

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableInstances: {
			Name: tableInstances,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"tenant": {Name: "tenant", Indexer: &memdb.StringFieldIndex{Field: "TenantID"}},
				"status": {
					Name:         "status",
					AllowMissing: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Status"},
						instanceUpdatedIndex{},
					}},
				},
			},
		},
		tableGates: {
			Name: tableGates,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"tenant":   {Name: "tenant", Indexer: &memdb.StringFieldIndex{Field: "TenantID"}},
				"instance": {Name: "instance", Indexer: &memdb.StringFieldIndex{Field: "SagaInstanceID"}},
				"step": {
					Name:         "step",
					AllowMissing: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "SagaInstanceID"},
						&memdb.StringFieldIndex{Field: "StepName"},
					}},
				},
				"due": {
					Name:         "due",
					AllowMissing: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "Status"},
						gateTimeoutIndex{},
					}},
				},
			},
		},
		tableChains: {
			Name: tableChains,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "TenantID"},
						&memdb.StringFieldIndex{Field: "SagaName"},
					}},
				},
			},
		},
		tableEvents: {
			Name: tableEvents,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "InstanceID"},
						&memdb.IntFieldIndex{Field: "Sequence"},
					}},
				},
				"instance": {Name: "instance", Indexer: &memdb.StringFieldIndex{Field: "InstanceID"}},
			},
		},
	},
}

// indexTime encodes t so that byte order matches time order.
func indexTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano())^(1<<63))
	return b
}

func timeArg(args []any) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	t, ok := args[0].(time.Time)
	if !ok {
		return nil, fmt.Errorf("argument must be a time.Time: %#v", args[0])
	}
	return indexTime(t), nil
}

// instanceUpdatedIndex indexes SagaInstance.UpdatedAt.
type instanceUpdatedIndex struct{}

func (instanceUpdatedIndex) FromObject(obj any) (bool, []byte, error) {
	inst, ok := obj.(*SagaInstance)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", obj)
	}
	return true, indexTime(inst.UpdatedAt), nil
}

func (instanceUpdatedIndex) FromArgs(args ...any) ([]byte, error) { return timeArg(args) }

// gateTimeoutIndex indexes ApprovalGate.TimeoutAt.
type gateTimeoutIndex struct{}

func (gateTimeoutIndex) FromObject(obj any) (bool, []byte, error) {
	gate, ok := obj.(*ApprovalGate)
	if !ok {
		return false, nil, fmt.Errorf("unexpected object %T", obj)
	}
	return true, indexTime(gate.TimeoutAt), nil
}

func (gateTimeoutIndex) FromArgs(args ...any) ([]byte, error) { return timeArg(args) }

// MemoryStore implements Store in process memory on go-memdb.
// Records are cloned on the way in and out so callers never share state
// with the store. Write transactions are serialized by memdb, which makes
// the version check and the write of an update atomic.
type MemoryStore struct {
	db *memdb.MemDB

	// lastEventID is only touched inside write transactions.
	lastEventID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create memdb").WithCause(err)
	}
	return &MemoryStore{db: db}, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Saga instances ---

func (m *MemoryStore) CreateInstance(_ context.Context, inst *SagaInstance) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return storeErr(err)
	}
	if existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "saga instance %q already exists", inst.ID)
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = timeOrNow(inst.UpdatedAt)
	if inst.Version == 0 {
		inst.Version = 1
	}
	if err := txn.Insert(tableInstances, inst.Clone()); err != nil {
		return storeErr(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*SagaInstance, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return nil, storeErr(err)
	}
	if raw == nil {
		return nil, storeNotFound("saga instance", id)
	}
	return raw.(*SagaInstance).Clone(), nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, inst *SagaInstance) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return storeErr(err)
	}
	if raw == nil {
		return storeNotFound("saga instance", inst.ID)
	}
	if current := raw.(*SagaInstance); current.Version != inst.Version {
		return storeConflict("saga instance", inst.ID, inst.Version)
	}

	next := inst.Clone()
	next.Version = inst.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableInstances, next); err != nil {
		return storeErr(err)
	}
	txn.Commit()

	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*SagaInstance, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	var out []*SagaInstance
	collect := func(it memdb.ResultIterator, ordered bool) {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			inst := obj.(*SagaInstance)
			// The status index is ordered by updated_at, so nothing later
			// in it can be old enough.
			if ordered && filter.UpdatedBefore != nil && inst.UpdatedAt.After(*filter.UpdatedBefore) {
				return
			}
			if filter.match(inst) {
				out = append(out, inst.Clone())
			}
		}
	}

	switch {
	case filter.TenantID != "":
		it, err := txn.Get(tableInstances, "tenant", filter.TenantID)
		if err != nil {
			return nil, storeErr(err)
		}
		collect(it, false)
	case len(filter.Statuses) > 0:
		for _, status := range dedupStatuses(filter.Statuses) {
			it, err := txn.Get(tableInstances, "status_prefix", string(status))
			if err != nil {
				return nil, storeErr(err)
			}
			collect(it, true)
		}
	default:
		it, err := txn.Get(tableInstances, "id")
		if err != nil {
			return nil, storeErr(err)
		}
		collect(it, false)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func dedupStatuses[S ~string](in []S) []S {
	seen := make(map[S]bool, len(in))
	out := make([]S, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// --- Approval gates ---

func (m *MemoryStore) CreateGate(_ context.Context, gate *ApprovalGate) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableGates, "id", gate.ID)
	if err != nil {
		return storeErr(err)
	}
	if existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval gate %q already exists", gate.ID)
	}
	if gate.Status.Open() {
		it, err := txn.Get(tableGates, "step", gate.SagaInstanceID, gate.StepName)
		if err != nil {
			return storeErr(err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			if other := obj.(*ApprovalGate); other.Status.Open() {
				return openGateConflict(gate)
			}
		}
	}
	gate.CreatedAt = timeOrNow(gate.CreatedAt)
	gate.UpdatedAt = timeOrNow(gate.UpdatedAt)
	if gate.Version == 0 {
		gate.Version = 1
	}
	if err := txn.Insert(tableGates, gate.Clone()); err != nil {
		return storeErr(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetGate(_ context.Context, id string) (*ApprovalGate, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableGates, "id", id)
	if err != nil {
		return nil, storeErr(err)
	}
	if raw == nil {
		return nil, storeNotFound("approval gate", id)
	}
	return raw.(*ApprovalGate).Clone(), nil
}

func (m *MemoryStore) UpdateGate(_ context.Context, gate *ApprovalGate) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableGates, "id", gate.ID)
	if err != nil {
		return storeErr(err)
	}
	if raw == nil {
		return storeNotFound("approval gate", gate.ID)
	}
	if current := raw.(*ApprovalGate); current.Version != gate.Version {
		return storeConflict("approval gate", gate.ID, gate.Version)
	}

	next := gate.Clone()
	next.Version = gate.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableGates, next); err != nil {
		return storeErr(err)
	}
	txn.Commit()

	gate.Version = next.Version
	gate.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) ListGates(_ context.Context, filter GateFilter) ([]*ApprovalGate, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	var out []*ApprovalGate
	collect := func(it memdb.ResultIterator, ordered bool) {
		for obj := it.Next(); obj != nil; obj = it.Next() {
			gate := obj.(*ApprovalGate)
			if ordered && filter.TimeoutBefore != nil && gate.TimeoutAt.After(*filter.TimeoutBefore) {
				return
			}
			if filter.match(gate) {
				out = append(out, gate.Clone())
			}
		}
	}

	type query struct {
		index   string
		args    []any
		ordered bool
	}
	var queries []query
	switch {
	case filter.InstanceID != "" && filter.StepName != "":
		queries = append(queries, query{index: "step", args: []any{filter.InstanceID, filter.StepName}})
	case filter.InstanceID != "":
		queries = append(queries, query{index: "instance", args: []any{filter.InstanceID}})
	case filter.TenantID != "":
		queries = append(queries, query{index: "tenant", args: []any{filter.TenantID}})
	case len(filter.Statuses) > 0:
		// The due index is ordered by timeout_at within a status.
		for _, status := range dedupStatuses(filter.Statuses) {
			queries = append(queries, query{index: "due_prefix", args: []any{string(status)}, ordered: true})
		}
	default:
		queries = append(queries, query{index: "id"})
	}
	for _, q := range queries {
		it, err := txn.Get(tableGates, q.index, q.args...)
		if err != nil {
			return nil, storeErr(err)
		}
		collect(it, q.ordered)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TimeoutAt.Equal(out[j].TimeoutAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TimeoutAt.Before(out[j].TimeoutAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Escalation chains ---

func (m *MemoryStore) PutEscalationChain(_ context.Context, chain *EscalationChain) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	cp := *chain
	cp.Levels = append([]EscalationLevel(nil), chain.Levels...)
	if err := txn.Insert(tableChains, &cp); err != nil {
		return storeErr(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) GetEscalationChain(_ context.Context, tenantID, sagaName string) (*EscalationChain, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableChains, "id", tenantID, sagaName)
	if err != nil {
		return nil, storeErr(err)
	}
	if raw == nil {
		return nil, storeNotFound("escalation chain", tenantID+"/"+sagaName)
	}
	cp := *raw.(*EscalationChain)
	cp.Levels = append([]EscalationLevel(nil), cp.Levels...)
	return &cp, nil
}

// --- Audit log ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	var seq int64
	it, err := txn.Get(tableEvents, "instance", event.InstanceID)
	if err != nil {
		return storeErr(err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		if s := obj.(*Event).Sequence; s > seq {
			seq = s
		}
	}

	event.Sequence = seq + 1
	event.ID = m.lastEventID + 1
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	cp.Payload = append([]byte(nil), event.Payload...)
	if err := txn.Insert(tableEvents, &cp); err != nil {
		return storeErr(err)
	}
	txn.Commit()
	m.lastEventID = event.ID
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*Event, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "instance", instanceID)
	if err != nil {
		return nil, storeErr(err)
	}
	var out []*Event
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*Event)
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func storeErr(err error) *schema.SagaError {
	return schema.NewError(schema.ErrCodeStore, "memdb").WithCause(err)
}
