// Package orchestrator executes calls against external systems at most once
// per idempotency key, behind a circuit breaker per integration, and keeps an
// audit row for every attempt.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/pkg/errors"
	"github.com/pesio-ai/be-plt-approvals/pkg/logger"
)

// Config tunes the breakers and the in-flight lease.
type Config struct {
	FailureThreshold uint32        // consecutive failures that open a breaker
	Window           time.Duration // closed-state counting window
	Cooldown         time.Duration // open -> half-open delay
	Lease            time.Duration // in-flight records older than this may be taken over
}

// Call describes one external operation.
type Call struct {
	Integration    string
	IdempotencyKey string
	Operation      string
	Request        any
	ParentID       string
	Attempt        int
}

// Operation performs the external call and returns its response payload.
type Operation func(ctx context.Context) (json.RawMessage, error)

// Result is the outcome of Execute.
type Result struct {
	Response json.RawMessage
	Replayed bool // true when the stored response was returned without calling out
}

// BreakerStatus is a snapshot of one integration's breaker.
type BreakerStatus struct {
	Integration         string `json:"integration"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store   repository.Store
	cfg     Config
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time

	flight singleflight.Group

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates an Orchestrator. m may be nil.
func New(store repository.Store, cfg Config, m *metrics.Metrics, log *logger.Logger) *Orchestrator {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Orchestrator{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		now:      time.Now,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Execute runs fn unless the key already has a completed outcome, in which
// case the stored response is returned. Concurrent calls with the same key
// in this process share one execution; across processes the idempotency
// record reports a conflict instead.
func (o *Orchestrator) Execute(ctx context.Context, call Call, fn Operation) (*Result, error) {
	switch {
	case strings.TrimSpace(call.Integration) == "":
		return nil, errors.InvalidInput("integration", "integration is required")
	case strings.TrimSpace(call.IdempotencyKey) == "":
		return nil, errors.InvalidInput("idempotency_key", "idempotency key is required")
	case strings.TrimSpace(call.Operation) == "":
		return nil, errors.InvalidInput("operation", "operation is required")
	}

	payload, err := json.Marshal(call.Request)
	if err != nil {
		return nil, errors.InvalidInput("request", fmt.Sprintf("request is not serialisable: %v", err))
	}
	sum := sha256.Sum256(append([]byte(call.Operation+"\n"), payload...))
	hash := hex.EncodeToString(sum[:])

	// Callers only share a flight when they send the same request; a
	// different request under the same key must reach claim and be rejected.
	v, err, _ := o.flight.Do(call.Integration+"\x00"+call.IdempotencyKey+"\x00"+hash, func() (any, error) {
		return o.execute(ctx, call, payload, hash, fn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (o *Orchestrator) execute(ctx context.Context, call Call, payload json.RawMessage, hash string, fn Operation) (*Result, error) {
	log := o.log.With().
		Str("integration", call.Integration).
		Str("operation", call.Operation).
		Str("idempotency_key", call.IdempotencyKey).
		Logger()

	stored, err := o.claim(ctx, call, hash)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		log.Debug().Msg("Replaying stored response")
		return &Result{Response: stored.Response, Replayed: true}, nil
	}

	cb := o.breaker(call.Integration)
	started := o.now()
	out, err := cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	finished := o.now()

	entry := &repository.IntegrationAuditEntry{
		Integration:    call.Integration,
		Operation:      call.Operation,
		IdempotencyKey: &call.IdempotencyKey,
		ParentID:       nullable(call.ParentID),
		Attempt:        max(call.Attempt, 1),
		RequestPayload: payload,
		BreakerState:   cb.State().String(),
		StartedAt:      started,
		FinishedAt:     finished,
		DurationMS:     finished.Sub(started).Milliseconds(),
	}
	idem := o.store.Repos().Idempotency
	bg := context.WithoutCancel(ctx)

	if err != nil {
		msg := err.Error()
		entry.Error = &msg
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			entry.Status = repository.CallShortCircuited
			err = errors.Retryable(err, fmt.Sprintf("%s is unavailable; call not attempted", call.Integration))
		} else {
			entry.Status = repository.CallFailed
			if !errors.Known(err) {
				err = errors.Retryable(err, fmt.Sprintf("%s %s failed", call.Integration, call.Operation))
			}
		}
		if ferr := idem.Fail(bg, call.Integration, call.IdempotencyKey, msg, finished); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to release idempotency record")
		}
		o.audit(bg, entry)
		o.metrics.ExternalCall(call.Integration, entry.Status)
		log.Warn().Err(err).Str("status", entry.Status).Msg("External call did not succeed")
		return nil, err
	}

	response, _ := out.(json.RawMessage)
	if len(response) == 0 {
		response = json.RawMessage(`null`)
	}
	entry.Status = repository.CallSucceeded
	entry.ResponsePayload = response
	if cerr := idem.Complete(bg, call.Integration, call.IdempotencyKey, response, finished); cerr != nil {
		log.Error().Err(cerr).Msg("Failed to store idempotent response")
	}
	o.audit(bg, entry)
	o.metrics.ExternalCall(call.Integration, entry.Status)
	log.Info().Int64("duration_ms", entry.DurationMS).Msg("External call succeeded")
	return &Result{Response: response}, nil
}

// claim reserves the key for this caller. It returns the stored record when
// the key already completed.
func (o *Orchestrator) claim(ctx context.Context, call Call, hash string) (*repository.IdempotencyRecord, error) {
	var stored *repository.IdempotencyRecord
	now := o.now()
	lease := now.Add(o.cfg.Lease)

	err := o.store.InTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		inserted, err := repos.Idempotency.Insert(ctx, &repository.IdempotencyRecord{
			Integration: call.Integration,
			Key:         call.IdempotencyKey,
			Operation:   call.Operation,
			RequestHash: hash,
			Status:      repository.IdempotencyRunning,
			LockedUntil: &lease,
			Attempts:    1,
		})
		if err != nil || inserted {
			return err
		}

		rec, err := repos.Idempotency.GetForUpdate(ctx, call.Integration, call.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec.RequestHash != hash {
			return errors.InvalidInput("idempotency_key", "idempotency key was already used for a different request")
		}

		switch rec.Status {
		case repository.IdempotencyCompleted:
			stored = rec
			return nil
		case repository.IdempotencyPending, repository.IdempotencyRunning:
			if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
				return errors.Conflict("operation for this idempotency key is already in flight")
			}
			o.log.Warn().
				Str("integration", call.Integration).
				Str("idempotency_key", call.IdempotencyKey).
				Msg("Taking over expired in-flight operation")
		}
		return repos.Idempotency.Claim(ctx, call.Integration, call.IdempotencyKey, lease, now)
	})
	if err != nil {
		if errors.Known(err) {
			return nil, err
		}
		return nil, errors.OperationFailed("claim_idempotency_key", err)
	}
	return stored, nil
}

func (o *Orchestrator) breaker(integration string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cb, ok := o.breakers[integration]; ok {
		return cb
	}

	threshold := o.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        integration,
		MaxRequests: 1,
		Interval:    o.cfg.Window,
		Timeout:     o.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejected input proves the remote side is up.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsInvalidInput(err)
		},
		OnStateChange: o.onStateChange,
	})
	o.breakers[integration] = cb
	o.metrics.BreakerState(integration, float64(gobreaker.StateClosed))
	return cb
}

func (o *Orchestrator) onStateChange(name string, from, to gobreaker.State) {
	o.log.Warn().
		Str("integration", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
	o.metrics.BreakerState(name, float64(to))

	at := o.now()
	detail, _ := json.Marshal(map[string]string{"from": from.String(), "to": to.String()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.audit(ctx, &repository.IntegrationAuditEntry{
		Integration:    name,
		Operation:      "circuit_breaker",
		RequestPayload: detail,
		Status:         repository.BreakerTransition,
		BreakerState:   to.String(),
		StartedAt:      at,
		FinishedAt:     at,
	})
}

func (o *Orchestrator) audit(ctx context.Context, entry *repository.IntegrationAuditEntry) {
	if err := o.store.Repos().IntegrationAudit.Append(ctx, entry); err != nil {
		o.log.Error().Err(err).
			Str("integration", entry.Integration).
			Str("status", entry.Status).
			Msg("Failed to write integration audit entry")
	}
}

// Breakers reports the state of every breaker created so far.
func (o *Orchestrator) Breakers() []BreakerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]BreakerStatus, 0, len(o.breakers))
	for name, cb := range o.breakers {
		counts := cb.Counts()
		out = append(out, BreakerStatus{
			Integration:         name,
			State:               cb.State().String(),
			Requests:            counts.Requests,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Integration < out[j].Integration })
	return out
}

// AuditLog lists integration audit entries.
func (o *Orchestrator) AuditLog(ctx context.Context, filter repository.IntegrationAuditFilter) ([]*repository.IntegrationAuditEntry, error) {
	return o.store.Repos().IntegrationAudit.List(ctx, filter)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
