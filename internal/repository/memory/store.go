// Package memory implements repository.Store in process memory. It backs the
// service in STORE_DRIVER=memory mode and in tests. Transactions are
// serialised and roll back to a snapshot taken when they begin.
package memory

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Store is an in-memory repository.Store.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

type memberKey struct{ org, user string }
type idemKey struct{ integration, key string }

type state struct {
	rules        map[string]*repository.ApprovalRule
	workflows    map[string]*repository.Workflow
	requests     map[string]*repository.ApprovalRequest
	steps        map[string]*repository.ApprovalStep
	audit        []*repository.ApprovalAuditEntry
	members      map[memberKey]*repository.Membership
	jobs         map[string]*repository.JobEntry
	idempotency  map[idemKey]*repository.IdempotencyRecord
	integrations []*repository.IntegrationAuditEntry
	seq          int64
}

func newState() *state {
	return &state{
		rules:       map[string]*repository.ApprovalRule{},
		workflows:   map[string]*repository.Workflow{},
		requests:    map[string]*repository.ApprovalRequest{},
		steps:       map[string]*repository.ApprovalStep{},
		members:     map[memberKey]*repository.Membership{},
		jobs:        map[string]*repository.JobEntry{},
		idempotency: map[idemKey]*repository.IdempotencyRecord{},
	}
}

// clone deep-copies every record so a failed transaction can be discarded.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.rules {
		c.rules[k] = copyRule(v)
	}
	for k, v := range s.workflows {
		c.workflows[k] = copyWorkflow(v)
	}
	for k, v := range s.requests {
		c.requests[k] = copyRequest(v)
	}
	for k, v := range s.steps {
		cp := *v
		c.steps[k] = &cp
	}
	c.audit = slices.Clone(s.audit)
	for k, v := range s.members {
		cp := *v
		cp.Teams = slices.Clone(v.Teams)
		c.members[k] = &cp
	}
	for k, v := range s.jobs {
		c.jobs[k] = copyJob(v)
	}
	for k, v := range s.idempotency {
		cp := *v
		c.idempotency[k] = &cp
	}
	c.integrations = slices.Clone(s.integrations)
	c.seq = s.seq
	return c
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{st: newState(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Repos returns repositories where each call is its own atomic operation.
func (s *Store) Repos() *repository.Repositories {
	return s.repositories(false)
}

// InTransaction runs fn with exclusive access to the store. Any error returned
// by fn, or a panic, restores the state captured at the start.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, repos *repository.Repositories) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	defer func() {
		if p := recover(); p != nil {
			s.st = snapshot
			panic(p)
		}
		if err != nil {
			s.st = snapshot
		}
	}()

	return fn(ctx, s.repositories(true))
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) repositories(inTx bool) *repository.Repositories {
	b := base{s: s, inTx: inTx}
	return &repository.Repositories{
		Rules:            &ruleRepo{b},
		Workflows:        &workflowRepo{b},
		Requests:         &requestRepo{b},
		Steps:            &stepRepo{b},
		Audit:            &auditRepo{b},
		Members:          &memberRepo{b},
		Jobs:             &jobRepo{b},
		Idempotency:      &idempotencyRepo{b},
		IntegrationAudit: &integrationAuditRepo{b},
	}
}

// base is embedded by every repository. Outside a transaction each call takes
// the store lock itself; inside one the lock is already held.
type base struct {
	s    *Store
	inTx bool
}

func (b base) lock() func() {
	if b.inTx {
		return func() {}
	}
	b.s.mu.Lock()
	return b.s.mu.Unlock
}

func (b base) state() *state { return b.s.st }

// tick returns a strictly increasing timestamp so ordering by time is stable
// even when the clock does not advance between calls.
func (b base) tick() time.Time {
	st := b.s.st
	st.seq++
	return b.s.now().Add(time.Duration(st.seq) * time.Nanosecond)
}

func newID() string { return uuid.NewString() }

func copyRule(r *repository.ApprovalRule) *repository.ApprovalRule {
	cp := *r
	cp.Conditions = slices.Clone(r.Conditions)
	return &cp
}

func copyWorkflow(w *repository.Workflow) *repository.Workflow {
	cp := *w
	cp.Steps = make([]*repository.WorkflowStep, len(w.Steps))
	for i, st := range w.Steps {
		sc := *st
		sc.ApproverRefs = slices.Clone(st.ApproverRefs)
		cp.Steps[i] = &sc
	}
	return &cp
}

func copyRequest(r *repository.ApprovalRequest) *repository.ApprovalRequest {
	cp := *r
	if r.EntityData != nil {
		// Entity data round-trips through JSON, as it would through a JSONB column.
		raw, _ := json.Marshal(r.EntityData)
		cp.EntityData = nil
		_ = json.Unmarshal(raw, &cp.EntityData)
	}
	return &cp
}

func copyJob(j *repository.JobEntry) *repository.JobEntry {
	cp := *j
	cp.Payload = slices.Clone(j.Payload)
	cp.Result = slices.Clone(j.Result)
	return &cp
}

func ptr[T any](v T) *T { return &v }

var _ repository.Store = (*Store)(nil)
