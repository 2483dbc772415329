package adapters

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gorm.io/gorm"

	"github.com/h44z/identity-store/internal/domain"
)

// Scope narrows a query. It is applied like a gorm scope, for example:
//
//	func(db *gorm.DB) *gorm.DB { return db.Where("email_confirmed = ?", true) }
type Scope = func(*gorm.DB) *gorm.DB

const defaultBatchSize = 100

var errStopIteration = errors.New("iteration stopped by consumer")

// region transactions

type txMode int

const (
	txOwned  txMode = iota // begun by the session, the caller commits or rolls back
	txJoined               // supplied by the caller, never finished by the store
)

type txState int

const (
	txActive txState = iota
	txCommitted
	txRolledBack
)

// Transaction is either owned (opened through Session.BeginTransaction) or joined (a caller-supplied gorm
// transaction wrapped by JoinTransaction). Only owned transactions can be committed or rolled back through
// this handle.
type Transaction struct {
	db    *gorm.DB
	mode  txMode
	state txState

	onDone  func(committed bool)
	pending []func()
}

// JoinTransaction wraps a transaction that was opened by the caller, for example inside gorm.DB.Transaction.
// Stores enlist in it but never commit or roll it back.
func JoinTransaction(tx *gorm.DB) *Transaction {
	return &Transaction{db: tx, mode: txJoined, state: txActive}
}

// Active returns true until the transaction has been committed or rolled back through this handle.
func (t *Transaction) Active() bool {
	return t.state == txActive
}

// Owned returns true if the holder of this handle is responsible for finishing the transaction.
func (t *Transaction) Owned() bool {
	return t.mode == txOwned
}

// Commit commits an owned transaction.
func (t *Transaction) Commit() error {
	if t.mode == txJoined {
		return domain.NewTransactionStateError("a joined transaction is committed by its owner")
	}
	if t.state != txActive {
		return domain.NewTransactionStateError("transaction is already finished")
	}

	if err := t.db.Commit().Error; err != nil {
		t.finish(txRolledBack) // database/sql discards the transaction after a failed commit
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	t.finish(txCommitted)
	return nil
}

// Rollback rolls back an owned transaction. Rolling back a finished transaction is a no-op, so it can be deferred
// right after BeginTransaction.
func (t *Transaction) Rollback() error {
	if t.mode == txJoined {
		return domain.NewTransactionStateError("a joined transaction is rolled back by its owner")
	}
	if t.state != txActive {
		return nil
	}

	err := t.db.Rollback().Error
	t.finish(txRolledBack)
	if err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}

	return nil
}

// AfterCommit queues fn until the transaction commits. Queued callbacks are dropped on rollback.
func (t *Transaction) AfterCommit(fn func()) {
	t.pending = append(t.pending, fn)
}

// Settle reports how the owner finished a joined transaction. Callbacks queued through AfterCommit run if it was
// committed and are dropped otherwise. The handle is finished afterwards.
func (t *Transaction) Settle(committed bool) error {
	if t.mode != txJoined {
		return domain.NewTransactionStateError("an owned transaction is finished with Commit or Rollback")
	}
	if t.state != txActive {
		return domain.NewTransactionStateError("transaction is already finished")
	}

	if committed {
		t.finish(txCommitted)
	} else {
		t.finish(txRolledBack)
	}
	return nil
}

func (t *Transaction) finish(state txState) {
	t.state = state
	if t.onDone != nil {
		t.onDone(state == txCommitted)
	}

	pending := t.pending
	t.pending = nil
	if state != txCommitted {
		return
	}
	for _, fn := range pending {
		fn()
	}
}

type txCtxKey struct{}

// WithTransaction attaches the transaction to the context. Every store call using the returned context enlists in it.
func WithTransaction(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, txCtxKey{}, t)
}

// TransactionFromContext returns the ambient transaction of the context, if any.
func TransactionFromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(txCtxKey{}).(*Transaction)
	return t, ok && t != nil
}

// endregion transactions

type tracked[T any] struct {
	current  *T
	snapshot *T
}

// Session is the unit of work the stores operate on. It resolves the transaction each statement enlists in and
// keeps an identity map of the aggregates it has loaded or written.
// A session is not safe for concurrent use, each logical unit of work uses its own session.
type Session struct {
	db        *gorm.DB
	tx        *Transaction
	requireTx bool
	batchSize int
	metrics   *StoreMetrics

	accounts map[domain.AccountIdentifier]*tracked[domain.Account]
	roles    map[domain.RoleIdentifier]*tracked[domain.Role]
}

type SessionOption func(s *Session)

// WithRequiredTransaction makes every mutation fail with a TransactionStateError unless it runs inside
// a session or ambient transaction.
func WithRequiredTransaction(required bool) SessionOption {
	return func(s *Session) {
		s.requireTx = required
	}
}

func WithBatchSize(size int) SessionOption {
	return func(s *Session) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

func WithMetrics(m *StoreMetrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

// NewSession opens a new unit of work on the given database.
func NewSession(db *gorm.DB, opts ...SessionOption) *Session {
	s := &Session{
		db:        db,
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Clear()

	return s
}

// BeginTransaction opens a transaction owned by the caller. All store calls on this session enlist in it until it is
// committed or rolled back. A rollback evicts the identity map.
func (s *Session) BeginTransaction(ctx context.Context) (*Transaction, error) {
	if s.tx != nil {
		return nil, domain.NewTransactionStateError("session already has an active transaction")
	}
	if _, ok := TransactionFromContext(ctx); ok {
		return nil, domain.NewTransactionStateError("context carries an ambient transaction, join it instead")
	}

	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	t := &Transaction{db: tx, mode: txOwned, state: txActive}
	t.onDone = func(committed bool) {
		s.tx = nil
		if !committed {
			s.Clear()
		}
	}
	s.tx = t

	return t, nil
}

// Transaction returns the active session transaction or nil.
func (s *Session) Transaction() *Transaction {
	return s.tx
}

// RunInTx runs fn inside a transaction. The context passed to fn carries the transaction, so store calls made with
// it enlist. If the session is already enlisted somewhere, a savepoint is used instead of a new transaction.
// The transaction is committed if fn returns nil and rolled back on error or panic.
// Callbacks queued with AfterCommit run once the outermost transaction commits.
func (s *Session) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	outer, err := s.current(ctx)
	if err != nil {
		return err
	}
	conn := s.db.WithContext(ctx)
	if outer != nil {
		conn = outer.db.WithContext(ctx)
	}

	var inner *Transaction
	err = conn.Transaction(func(tx *gorm.DB) error {
		inner = JoinTransaction(tx)
		return fn(WithTransaction(ctx, inner))
	})
	if err != nil {
		if inner != nil {
			inner.finish(txRolledBack)
		}
		s.Clear() // tracked aggregates may reflect rolled back writes
		return err
	}

	if outer != nil {
		outer.pending = append(outer.pending, inner.pending...)
		inner.pending = nil
		inner.state = txCommitted // released into the outer transaction
		return nil
	}
	inner.finish(txCommitted)

	return nil
}

// AfterCommit defers fn until the transaction the call is enlisted in commits. Without a transaction fn runs
// immediately. Callbacks for a finished transaction are dropped.
func (s *Session) AfterCommit(ctx context.Context, fn func()) {
	t, err := s.current(ctx)
	switch {
	case err != nil:
		slog.DebugContext(ctx, "dropping after commit callback", "error", err)
	case t != nil:
		t.AfterCommit(fn)
	default:
		fn()
	}
}

// Clear evicts all tracked aggregates.
func (s *Session) Clear() {
	s.accounts = make(map[domain.AccountIdentifier]*tracked[domain.Account])
	s.roles = make(map[domain.RoleIdentifier]*tracked[domain.Role])
}

// Flush persists all tracked aggregates that were modified in memory since they were loaded or last written.
func (s *Session) Flush(ctx context.Context) error {
	roles := NewRoleStore(s)
	for _, id := range sortedKeys(s.roles) {
		t := s.roles[id]
		if cmp.Equal(t.current, t.snapshot) {
			continue
		}
		if err := roles.Update(ctx, t.current); err != nil {
			return fmt.Errorf("failed to flush role %s: %w", id, err)
		}
	}

	accounts := NewAccountStore(s)
	for _, id := range sortedKeys(s.accounts) {
		t := s.accounts[id]
		if cmp.Equal(t.current, t.snapshot, cmpopts.EquateEmpty()) {
			continue
		}
		if err := accounts.Update(ctx, t.current); err != nil {
			return fmt.Errorf("failed to flush account %s: %w", id, err)
		}
	}

	return nil
}

// Query lazily iterates all rows of T matching the scopes. Rows are fetched in batches ordered by primary key, so T
// must have a single column primary key.
func Query[T any](ctx context.Context, s *Session, scopes ...Scope) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		conn, _, err := s.conn(ctx)
		if err != nil {
			yield(nil, err)
			return
		}

		var batch []T
		res := conn.Model(new(T)).Scopes(scopes...).FindInBatches(&batch, s.batchSize,
			func(_ *gorm.DB, _ int) error {
				for i := range batch {
					item := batch[i] // the batch buffer is reused
					if !yield(&item, nil) {
						return errStopIteration
					}
				}
				return nil
			})
		if res.Error != nil && !errors.Is(res.Error, errStopIteration) {
			yield(nil, res.Error)
		}
	}
}

// conn resolves the connection for the next statement: the ambient transaction of the context first, then the
// session transaction, then the plain database. enlisted reports whether a transaction was found.
func (s *Session) conn(ctx context.Context) (db *gorm.DB, enlisted bool, err error) {
	t, err := s.current(ctx)
	if err != nil {
		return nil, false, err
	}
	if t != nil {
		return t.db.WithContext(ctx), true, nil
	}

	return s.db.WithContext(ctx), false, nil
}

// current returns the transaction the next statement enlists in, or nil.
func (s *Session) current(ctx context.Context) (*Transaction, error) {
	if t, ok := TransactionFromContext(ctx); ok {
		if !t.Active() {
			return nil, domain.NewTransactionStateError("transaction on context is already finished")
		}
		return t, nil
	}

	return s.tx, nil
}

// mutate runs fn atomically. Without an enclosing transaction a new one is opened and finished here,
// inside a transaction a savepoint keeps a failing multi-row mutation from leaving partial effects.
func (s *Session) mutate(ctx context.Context, store, operation string, fn func(tx *gorm.DB) error) error {
	start := time.Now()

	conn, enlisted, err := s.conn(ctx)
	if err == nil && !enlisted && s.requireTx {
		err = domain.NewTransactionStateError(store + " " + operation + " requires a transaction")
	}
	if err == nil {
		err = conn.Transaction(fn)
	}

	s.metrics.observe(store, operation, start, err)
	if err != nil {
		slog.DebugContext(ctx, "store mutation failed", "store", store, "operation", operation, "error", err)
	}

	return err
}

// query runs a read. Reads enlist in a transaction when there is one but never open their own.
func (s *Session) query(ctx context.Context, store, operation string, fn func(db *gorm.DB) error) error {
	start := time.Now()

	conn, _, err := s.conn(ctx)
	if err == nil {
		err = fn(conn)
	}

	s.metrics.observe(store, operation, start, err)

	return err
}

// region identity map

// attachAccount returns the tracked instance for the account id or starts tracking the given account.
func (s *Session) attachAccount(a *domain.Account) *domain.Account {
	if t, ok := s.accounts[a.Identifier]; ok {
		return t.current
	}
	s.accounts[a.Identifier] = &tracked[domain.Account]{current: a, snapshot: a.Clone()}
	return a
}

func (s *Session) trackedAccount(id domain.AccountIdentifier) (*domain.Account, bool) {
	t, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	return t.current, true
}

// refreshAccount marks the whole aggregate as persisted.
func (s *Session) refreshAccount(a *domain.Account) {
	s.accounts[a.Identifier] = &tracked[domain.Account]{current: a, snapshot: a.Clone()}
}

// markAccountClean applies a partial write to the snapshot of a tracked account, other pending changes stay dirty.
func (s *Session) markAccountClean(a *domain.Account, apply func(snapshot *domain.Account)) {
	t, ok := s.accounts[a.Identifier]
	if !ok || t.current != a {
		return
	}
	apply(t.snapshot)
}

func (s *Session) evictAccount(id domain.AccountIdentifier) {
	delete(s.accounts, id)
}

func (s *Session) attachRole(r *domain.Role) *domain.Role {
	if t, ok := s.roles[r.Identifier]; ok {
		return t.current
	}
	s.roles[r.Identifier] = &tracked[domain.Role]{current: r, snapshot: r.Clone()}
	return r
}

func (s *Session) trackedRole(id domain.RoleIdentifier) (*domain.Role, bool) {
	t, ok := s.roles[id]
	if !ok {
		return nil, false
	}
	return t.current, true
}

func (s *Session) refreshRole(r *domain.Role) {
	s.roles[r.Identifier] = &tracked[domain.Role]{current: r, snapshot: r.Clone()}
}

func (s *Session) evictRole(id domain.RoleIdentifier) {
	delete(s.roles, id)
}

// renameRoleInAccounts keeps the role names of tracked accounts in sync after a role was renamed or deleted.
// An empty newName removes the role.
func (s *Session) renameRoleInAccounts(oldName, newName string) {
	for _, t := range s.accounts {
		for _, a := range []*domain.Account{t.current, t.snapshot} {
			if !a.HasRole(oldName) {
				continue
			}
			a.RemoveRole(oldName)
			if newName != "" {
				a.Roles = append(a.Roles, newName)
			}
		}
	}
}

// endregion identity map

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
