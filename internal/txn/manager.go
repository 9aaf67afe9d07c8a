// internal/txn/manager.go
package txn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AGENTCORE/internal/git"
	"github.com/AGENTCORE/internal/recovery"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// OperationType selects the rollback strategy for a transaction
type OperationType string

const (
	OpCommit  OperationType = "commit"
	OpBranch  OperationType = "branch"
	OpMerge   OperationType = "merge"
	OpPush    OperationType = "push"
	OpStash   OperationType = "stash"
	OpGeneric OperationType = "generic"
)

// Status of a transaction. Every transaction ends terminal: committed or
// rolled-back.
type Status string

const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled-back"
)

// OperationRecord is one attempted operation inside a transaction
type OperationRecord struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Args      []string  `json:"args,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Transaction wraps a sequence of irreversible external operations with
// capture-restore semantics
type Transaction struct {
	ID             string            `json:"id"`
	Type           OperationType     `json:"operationType"`
	Status         Status            `json:"status"`
	RepoPath       string            `json:"repoPath"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        time.Time         `json:"endTime,omitempty"`
	Operations     []OperationRecord `json:"operations"`
	Captured       *git.State        `json:"currentState,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	RollbackReason string            `json:"rollbackReason,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`

	timeout *time.Timer
}

// Driver is the external repository surface a transaction manipulates.
// The default implementation shells out to git; tests substitute fakes.
type Driver interface {
	Capture() (*git.State, error)
	Run(ctx context.Context, operation string, args ...string) (string, error)
	ResetHard(ref string) error
	DeleteBranch(name string) error
	SwitchBranch(name string) error
	AbortMerge() error
	StashPop() error
	ListBranches() ([]string, error)
}

// GitDriver adapts the git command layer to the Driver interface
type GitDriver struct {
	g *git.Git
}

// NewGitDriver creates a Driver over a repository path
func NewGitDriver(repoPath string) *GitDriver {
	return &GitDriver{g: git.New(repoPath)}
}

func (d *GitDriver) Capture() (*git.State, error) { return d.g.CaptureState() }
func (d *GitDriver) Run(ctx context.Context, operation string, args ...string) (string, error) {
	return d.g.Run(ctx, append([]string{operation}, args...)...)
}
func (d *GitDriver) ResetHard(ref string) error        { return d.g.ResetHard(ref) }
func (d *GitDriver) DeleteBranch(name string) error    { return d.g.DeleteBranch(name) }
func (d *GitDriver) SwitchBranch(name string) error    { return d.g.SwitchBranch(name) }
func (d *GitDriver) AbortMerge() error                 { return d.g.AbortMerge() }
func (d *GitDriver) StashPop() error                   { return d.g.StashPop() }
func (d *GitDriver) ListBranches() ([]string, error)   { return d.g.ListBranches() }

// Metrics are the manager's counters plus derived rates
type Metrics struct {
	Started          int     `json:"started"`
	Committed        int     `json:"committed"`
	RolledBack       int     `json:"rolledBack"`
	RollbackFailures int     `json:"rollbackFailures"`
	Active           int     `json:"active"`
	SuccessRate      float64 `json:"successRate"`
	RollbackRate     float64 `json:"rollbackRate"`
}

// Options configures a Manager
type Options struct {
	MaxTransactionTime    time.Duration
	AutoRollbackOnFailure bool
	// DriverFactory overrides how drivers are built per repository.
	// Defaults to the git driver.
	DriverFactory func(repoPath string) Driver
}

// Manager owns exclusive access to external repositories while a
// transaction is active. A second transaction on the same repository
// fails with TransactionBusy.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*Transaction // txID -> transaction
	byRepo  map[string]string       // repoPath -> active txID
	drivers map[string]Driver       // txID -> driver
	history []*Transaction

	maxTxnTime    time.Duration
	autoRollback  bool
	driverFactory func(repoPath string) Driver

	started          int
	committed        int
	rolledBack       int
	rollbackFailures int

	startedCounter    metric.Int64Counter
	committedCounter  metric.Int64Counter
	rolledBackCounter metric.Int64Counter
}

// NewManager creates a transaction manager
func NewManager(opts Options) *Manager {
	if opts.MaxTransactionTime <= 0 {
		opts.MaxTransactionTime = 5 * time.Minute
	}
	factory := opts.DriverFactory
	if factory == nil {
		factory = func(repoPath string) Driver { return NewGitDriver(repoPath) }
	}

	meter := otel.GetMeterProvider().Meter("agentcore")
	started, _ := meter.Int64Counter("agentcore_transactions_started_total")
	committed, _ := meter.Int64Counter("agentcore_transactions_committed_total")
	rolledBack, _ := meter.Int64Counter("agentcore_transactions_rolled_back_total")

	return &Manager{
		active:            make(map[string]*Transaction),
		byRepo:            make(map[string]string),
		drivers:           make(map[string]Driver),
		maxTxnTime:        opts.MaxTransactionTime,
		autoRollback:      opts.AutoRollbackOnFailure,
		driverFactory:     factory,
		startedCounter:    started,
		committedCounter:  committed,
		rolledBackCounter: rolledBack,
	}
}

// StartTransaction captures the repository state and arms the timeout
func (m *Manager) StartTransaction(opType OperationType, repoPath string, metadata map[string]any) (*Transaction, error) {
	if repoPath == "" {
		return nil, recovery.InvalidInputError("transaction needs a repository path")
	}

	m.mu.Lock()
	if existing, busy := m.byRepo[repoPath]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held by %s", recovery.ErrTransactionBusy, repoPath, existing)
	}
	driver := m.driverFactory(repoPath)
	tx := &Transaction{
		ID:        uuid.New().String(),
		Type:      opType,
		Status:    StatusActive,
		RepoPath:  repoPath,
		StartTime: time.Now(),
		Metadata:  metadata,
	}
	m.active[tx.ID] = tx
	m.byRepo[repoPath] = tx.ID
	m.drivers[tx.ID] = driver
	m.started++
	m.mu.Unlock()
	m.startedCounter.Add(context.Background(), 1)

	captured, err := driver.Capture()
	if err != nil {
		// Cannot guarantee restore without a capture; release immediately
		m.mu.Lock()
		delete(m.active, tx.ID)
		delete(m.byRepo, repoPath)
		delete(m.drivers, tx.ID)
		m.started--
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to capture repository state: %w", err)
	}
	tx.Captured = captured

	txID := tx.ID
	tx.timeout = time.AfterFunc(m.maxTxnTime, func() {
		if err := m.RollbackTransaction(txID, "timeout"); err != nil {
			log.Printf("[TXN] timeout rollback of %s failed: %v", txID, err)
		}
	})

	log.Printf("[TXN] started %s type=%s repo=%s head=%s", tx.ID, opType, repoPath, captured.Head)
	return tx, nil
}

// ExecuteOperation runs one operation inside the transaction, recording
// the attempt. On failure, auto-rollback fires when configured.
func (m *Manager) ExecuteOperation(ctx context.Context, txID, operation string, args ...string) (string, error) {
	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok {
		m.mu.Unlock()
		return "", recovery.InvalidInputError("no active transaction %s", txID)
	}
	driver := m.drivers[txID]
	m.mu.Unlock()

	record := OperationRecord{
		ID:        uuid.New().String(),
		Operation: operation,
		Args:      args,
		Timestamp: time.Now(),
	}

	output, err := driver.Run(ctx, operation, args...)
	if err != nil {
		record.Error = err.Error()
		m.appendRecord(tx, record)

		if m.autoRollback {
			if rbErr := m.RollbackTransaction(txID, fmt.Sprintf("operation %s failed", operation)); rbErr != nil {
				log.Printf("[TXN] auto-rollback of %s failed: %v", txID, rbErr)
			}
		}
		return "", fmt.Errorf("operation %s failed: %w", operation, err)
	}

	record.Success = true
	m.appendRecord(tx, record)
	return output, nil
}

func (m *Manager) appendRecord(tx *Transaction, record OperationRecord) {
	m.mu.Lock()
	tx.Operations = append(tx.Operations, record)
	m.mu.Unlock()
}

// CommitTransaction finalizes the transaction and promotes it to history
func (m *Manager) CommitTransaction(txID string) error {
	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok {
		m.mu.Unlock()
		return recovery.InvalidInputError("no active transaction %s", txID)
	}
	m.finalizeLocked(tx, StatusCommitted)
	m.committed++
	m.mu.Unlock()

	m.committedCounter.Add(context.Background(), 1)
	log.Printf("[TXN] committed %s (%d operations)", txID, len(tx.Operations))
	return nil
}

// RollbackTransaction restores the captured state using the per-type
// strategy. The transaction always reaches a terminal state; a strategy
// failure is reported but never leaves the transaction active.
func (m *Manager) RollbackTransaction(txID, reason string) error {
	m.mu.Lock()
	tx, ok := m.active[txID]
	if !ok {
		m.mu.Unlock()
		return recovery.InvalidInputError("no active transaction %s", txID)
	}
	driver := m.drivers[txID]
	tx.RollbackReason = reason
	m.finalizeLocked(tx, StatusRolledBack)
	m.rolledBack++
	m.mu.Unlock()
	m.rolledBackCounter.Add(context.Background(), 1)

	log.Printf("[TXN] rolling back %s type=%s reason=%s", txID, tx.Type, reason)
	err := m.runRollbackStrategy(tx, driver)
	if err != nil {
		m.mu.Lock()
		m.rollbackFailures++
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", recovery.ErrRollbackFailed, err)
	}
	return nil
}

// runRollbackStrategy dispatches on the transaction's operation type
func (m *Manager) runRollbackStrategy(tx *Transaction, driver Driver) error {
	if tx.Captured == nil {
		return fmt.Errorf("no captured state for %s", tx.ID)
	}

	switch tx.Type {
	case OpCommit, OpGeneric:
		return driver.ResetHard(tx.Captured.Head)

	case OpBranch:
		// Delete branches created during the transaction, after moving
		// off any of them
		current, err := driver.ListBranches()
		if err != nil {
			return err
		}
		createdBranches := diffBranches(current, tx.Captured.Branches)
		if len(createdBranches) == 0 {
			return nil
		}
		if err := driver.SwitchBranch(tx.Captured.Branch); err != nil {
			return err
		}
		for _, name := range createdBranches {
			if err := driver.DeleteBranch(name); err != nil {
				return err
			}
		}
		return nil

	case OpMerge:
		return driver.AbortMerge()

	case OpStash:
		// Pop only if the transaction itself pushed a stash entry
		if stashPushed(tx) {
			return driver.StashPop()
		}
		return nil

	case OpPush:
		// Pushes cannot be unwound automatically; never force-push
		warning := fmt.Sprintf("push transaction %s rolled back: remote state not reverted", tx.ID)
		m.mu.Lock()
		tx.Warnings = append(tx.Warnings, warning)
		m.mu.Unlock()
		log.Printf("[TXN] rollback-warning: %s", warning)
		return nil
	}

	return fmt.Errorf("unknown operation type %s", tx.Type)
}

// finalizeLocked moves a transaction to a terminal state and into history
func (m *Manager) finalizeLocked(tx *Transaction, status Status) {
	if tx.timeout != nil {
		tx.timeout.Stop()
		tx.timeout = nil
	}
	tx.Status = status
	tx.EndTime = time.Now()
	delete(m.active, tx.ID)
	delete(m.byRepo, tx.RepoPath)
	delete(m.drivers, tx.ID)
	m.history = append(m.history, tx)
}

// Get returns an active or historical transaction
func (m *Manager) Get(txID string) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.active[txID]; ok {
		return tx, true
	}
	for _, tx := range m.history {
		if tx.ID == txID {
			return tx, true
		}
	}
	return nil, false
}

// ActiveCount returns the number of in-flight transactions
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// History returns completed transactions, oldest first
func (m *Manager) History() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Transaction(nil), m.history...)
}

// Metrics returns the manager's counters and derived rates
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := Metrics{
		Started:          m.started,
		Committed:        m.committed,
		RolledBack:       m.rolledBack,
		RollbackFailures: m.rollbackFailures,
		Active:           len(m.active),
	}
	if m.started > 0 {
		metrics.SuccessRate = float64(m.committed) / float64(m.started)
		metrics.RollbackRate = float64(m.rolledBack) / float64(m.started)
	}
	return metrics
}

// RollbackAll rolls back every active transaction, used on cancellation
// and shutdown
func (m *Manager) RollbackAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.RollbackTransaction(id, reason); err != nil {
			log.Printf("[TXN] rollback of %s failed during %s: %v", id, reason, err)
		}
	}
}

func diffBranches(current, captured []string) []string {
	known := make(map[string]struct{}, len(captured))
	for _, b := range captured {
		known[b] = struct{}{}
	}
	var created []string
	for _, b := range current {
		if _, ok := known[b]; !ok {
			created = append(created, b)
		}
	}
	return created
}

func stashPushed(tx *Transaction) bool {
	for _, op := range tx.Operations {
		if !op.Success || op.Operation != "stash" {
			continue
		}
		for _, arg := range op.Args {
			if arg == "push" {
				return true
			}
		}
		if len(op.Args) == 0 {
			return true // bare "git stash" pushes
		}
	}
	return false
}
