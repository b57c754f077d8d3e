package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use and give
// read-your-writes consistency per record.
//
// Update methods are compare-and-swap on Version: the caller passes the
// record as last read, the write succeeds only if the stored version still
// matches, and on success the record's Version and UpdatedAt are advanced
// in place. A lost race returns a CONFLICT error.
type Store interface {
	// Saga instances
	CreateInstance(ctx context.Context, inst *SagaInstance) error
	GetInstance(ctx context.Context, id string) (*SagaInstance, error)
	UpdateInstance(ctx context.Context, inst *SagaInstance) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*SagaInstance, error)

	// Approval gates
	CreateGate(ctx context.Context, gate *ApprovalGate) error
	GetGate(ctx context.Context, id string) (*ApprovalGate, error)
	UpdateGate(ctx context.Context, gate *ApprovalGate) error
	ListGates(ctx context.Context, filter GateFilter) ([]*ApprovalGate, error)

	// Escalation chains
	PutEscalationChain(ctx context.Context, chain *EscalationChain) error
	GetEscalationChain(ctx context.Context, tenantID, sagaName string) (*EscalationChain, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
