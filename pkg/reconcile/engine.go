// Package reconcile links contact observations into identity clusters and produces the
// consolidated view of a cluster.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// errAnchorsMoved signals that a concurrent merge changed the anchor set between
// resolving it and locking it
var errAnchorsMoved = errors.New("anchors moved while locking")

// Observation is one incoming pair of contact signals. Either may be empty.
type Observation struct {
	Email string
	Phone string
}

// Options tunes the engine
type Options struct {
	// MaxAttempts bounds how often anchors are re-resolved after losing a race with a merge
	MaxAttempts int
	// Timeout bounds a whole reconciliation, lock waits included. Zero disables it.
	Timeout time.Duration
	// PhoneNormalizer is applied to incoming phones. Defaults to normalizers.NormalizePhone.
	PhoneNormalizer normalizers.Normalizer
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		Timeout:         10 * time.Second,
		PhoneNormalizer: normalizers.NormalizePhone,
	}
}

// Engine reconciles observations against a ContactStore
type Engine struct {
	store  ContactStore
	locker Locker
	logger ectologger.Logger
	opts   Options
}

// NewEngine creates a new reconciliation engine
func NewEngine(store ContactStore, locker Locker, logger ectologger.Logger, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.PhoneNormalizer == nil {
		opts.PhoneNormalizer = normalizers.NormalizePhone
	}
	return &Engine{
		store:  store,
		locker: locker,
		logger: logger,
		opts:   opts,
	}
}

type result struct {
	outcome string
	anchors int
	merged  int
	view    *models.ConsolidatedContact
}

// Reconcile records the observation and returns the consolidated view of the cluster it
// ends up in. Clusters bridged by the observation are merged into the oldest one.
func (e *Engine) Reconcile(ctx context.Context, obs Observation) (*models.ConsolidatedContact, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Reconcile")
	defer span.End()

	start := time.Now()

	email := normalizers.NormalizeEmail(obs.Email)
	phone := e.opts.PhoneNormalizer(obs.Phone)
	if email == "" && phone == "" {
		metrics.ReconcileErrorsTotal.WithLabelValues(errorKind(ErrInvalidInput)).Inc()
		return nil, ErrInvalidInput
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"has_email": email != "",
		"has_phone": phone != "",
	})

	res, err := e.reconcile(ctx, email, phone)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		metrics.ReconcileErrorsTotal.WithLabelValues(errorKind(err)).Inc()
		log.WithError(err).Error("Failed to reconcile observation")
		return nil, err
	}

	metrics.ReconcileTotal.WithLabelValues(res.outcome).Inc()
	if res.merged > 0 {
		metrics.ReconcileMergedClusters.Add(float64(res.merged))
	}

	log.WithFields(map[string]any{
		"outcome":      res.outcome,
		"primary_id":   res.view.PrimaryContactID,
		"anchor_count": res.anchors,
		"merged_count": res.merged,
	}).Info("Reconciled observation")

	return res.view, nil
}

// Lookup returns the consolidated view of the cluster containing contact id
func (e *Engine) Lookup(ctx context.Context, id string) (*models.ConsolidatedContact, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Lookup")
	defer span.End()

	contact, err := e.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, wrapStorage("find by id", err)
	}

	anchor, err := e.anchorOf(ctx, contact, map[string]*models.Contact{})
	if err != nil {
		return nil, err
	}

	cluster, err := e.store.FindCluster(ctx, anchor.ID)
	if err != nil {
		return nil, wrapStorage("find cluster", err)
	}

	return Build(anchor, cluster), nil
}

// reconcile holds the signal locks for the whole call. Every contact carrying one of the
// signals is created under the same lock, so the match set cannot grow underneath us.
func (e *Engine) reconcile(ctx context.Context, email, phone string) (*result, error) {
	unlock, err := e.locker.Acquire(ctx, signalKeys(email, phone)...)
	if err != nil {
		return nil, wrapStorage("lock signals", err)
	}
	defer e.release(ctx, unlock)

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		res, err := e.attempt(ctx, email, phone)
		if !errors.Is(err, errAnchorsMoved) {
			return res, err
		}
		e.logger.WithContext(ctx).WithField("attempt", attempt).Warn("Cluster changed while locking, re-resolving anchors")
	}

	return nil, &StorageError{Op: "resolve anchors", Err: ErrConcurrentModification}
}

// attempt runs one pass of the algorithm inside a store transaction when available. The
// cluster locks are released only after the transaction has finished.
func (e *Engine) attempt(ctx context.Context, email, phone string) (*result, error) {
	var (
		res            *result
		unlockClusters func(context.Context) error
	)

	err := e.withinTx(ctx, func(ctx context.Context) error {
		matches, err := e.store.FindByEmailOrPhone(ctx, email, phone)
		if err != nil {
			return wrapStorage("find by email or phone", err)
		}

		if len(matches) == 0 {
			created, err := e.store.Create(ctx, email, phone, models.LinkPrecedencePrimary, nil)
			if err != nil {
				return wrapStorage("create primary", err)
			}
			res = &result{
				outcome: metrics.OutcomeCreatedPrimary,
				view:    Build(created, nil),
			}
			return nil
		}

		anchors, err := e.resolveAnchors(ctx, matches)
		if err != nil {
			return err
		}

		unlockClusters, err = e.locker.Acquire(ctx, clusterKeys(anchors)...)
		if err != nil {
			return wrapStorage("lock clusters", err)
		}

		// a merge may have landed between resolving and locking
		matches, err = e.store.FindByEmailOrPhone(ctx, email, phone)
		if err != nil {
			return wrapStorage("find by email or phone", err)
		}
		locked, err := e.resolveAnchors(ctx, matches)
		if err != nil {
			return err
		}
		if !sameAnchors(anchors, locked) {
			return errAnchorsMoved
		}

		res, err = e.apply(ctx, email, phone, locked)
		return err
	})

	if unlockClusters != nil {
		e.release(ctx, unlockClusters)
	}
	if err != nil {
		if errors.Is(err, errAnchorsMoved) {
			return nil, errAnchorsMoved
		}
		return nil, wrapStorage("transaction", err)
	}
	return res, nil
}

// apply merges the anchors into the oldest one, adds a secondary for new signals and
// builds the view of the resulting cluster
func (e *Engine) apply(ctx context.Context, email, phone string, anchors []models.Contact) (*result, error) {
	sort.SliceStable(anchors, func(i, j int) bool {
		if !anchors[i].CreatedAt.Equal(anchors[j].CreatedAt) {
			return anchors[i].CreatedAt.Before(anchors[j].CreatedAt)
		}
		return anchors[i].Seq < anchors[j].Seq
	})
	primary := anchors[0]
	res := &result{outcome: metrics.OutcomeMatched, anchors: len(anchors)}

	// a dangling secondary that won seniority takes over its cluster
	if !primary.IsPrimary() {
		if err := e.store.UpdatePrecedence(ctx, primary.ID, models.LinkPrecedencePrimary, nil); err != nil {
			return nil, wrapStorage("promote anchor", err)
		}
	}

	for _, loser := range anchors[1:] {
		if err := e.store.UpdatePrecedence(ctx, loser.ID, models.LinkPrecedenceSecondary, &primary.ID); err != nil {
			return nil, wrapStorage("demote primary", err)
		}
		moved, err := e.store.RelinkCluster(ctx, loser.ID, primary.ID)
		if err != nil {
			return nil, wrapStorage("relink cluster", err)
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"primary_id":  primary.ID,
			"absorbed_id": loser.ID,
			"relinked":    moved,
		}).Info("Merged cluster into older primary")
		res.merged++
	}
	if res.merged > 0 {
		res.outcome = metrics.OutcomeMerged
	}

	cluster, err := e.store.FindCluster(ctx, primary.ID)
	if err != nil {
		return nil, wrapStorage("find cluster", err)
	}

	if hasNewSignal(cluster, email, phone) {
		if _, err := e.store.Create(ctx, email, phone, models.LinkPrecedenceSecondary, &primary.ID); err != nil {
			return nil, wrapStorage("create secondary", err)
		}
		if res.outcome == metrics.OutcomeMatched {
			res.outcome = metrics.OutcomeCreatedSecondary
		}
		cluster, err = e.store.FindCluster(ctx, primary.ID)
		if err != nil {
			return nil, wrapStorage("find cluster", err)
		}
	}

	fresh := memberByID(cluster, primary.ID)
	if fresh == nil {
		fresh, err = e.store.FindByID(ctx, primary.ID)
		if err != nil {
			return nil, wrapStorage("find primary", err)
		}
	}

	res.view = Build(fresh, cluster)
	return res, nil
}

// resolveAnchors maps each match to its cluster anchor, deduplicated in lookup order
func (e *Engine) resolveAnchors(ctx context.Context, matches []models.Contact) ([]models.Contact, error) {
	parents := map[string]*models.Contact{}
	seen := map[string]bool{}
	anchors := make([]models.Contact, 0, len(matches))

	for i := range matches {
		anchor, err := e.anchorOf(ctx, &matches[i], parents)
		if err != nil {
			return nil, err
		}
		if seen[anchor.ID] {
			continue
		}
		seen[anchor.ID] = true
		anchors = append(anchors, *anchor)
	}

	return anchors, nil
}

// anchorOf follows a secondary's link one hop. A link to a missing contact leaves the
// secondary as its own anchor.
func (e *Engine) anchorOf(ctx context.Context, c *models.Contact, parents map[string]*models.Contact) (*models.Contact, error) {
	if c.IsPrimary() || c.LinkedID == nil || *c.LinkedID == "" {
		return c, nil
	}

	if parent, ok := parents[*c.LinkedID]; ok {
		if parent == nil {
			return c, nil
		}
		return parent, nil
	}

	parent, err := e.store.FindByID(ctx, *c.LinkedID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logger.WithContext(ctx).WithFields(map[string]any{
				"contact_id": c.ID,
				"linked_id":  *c.LinkedID,
			}).Warn("Secondary links to a missing contact, using it as its own anchor")
			parents[*c.LinkedID] = nil
			return c, nil
		}
		return nil, wrapStorage("find by id", err)
	}

	parents[*c.LinkedID] = parent
	return parent, nil
}

func (e *Engine) withinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := e.store.(Transactor); ok {
		return tx.WithinTx(ctx, fn)
	}
	return fn(ctx)
}

func (e *Engine) release(ctx context.Context, unlock func(context.Context) error) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("Failed to release reconciliation locks")
	}
}

func signalKeys(email, phone string) []string {
	keys := make([]string, 0, 2)
	if email != "" {
		keys = append(keys, "email:"+email)
	}
	if phone != "" {
		keys = append(keys, "phone:"+phone)
	}
	sort.Strings(keys)
	return keys
}

func clusterKeys(anchors []models.Contact) []string {
	keys := make([]string, 0, len(anchors))
	for _, a := range anchors {
		keys = append(keys, "cluster:"+a.ID)
	}
	sort.Strings(keys)
	return keys
}

func sameAnchors(a, b []models.Contact) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]bool, len(a))
	for _, c := range a {
		ids[c.ID] = true
	}
	for _, c := range b {
		if !ids[c.ID] {
			return false
		}
	}
	return true
}

func hasNewSignal(cluster []models.Contact, email, phone string) bool {
	emailKnown := email == ""
	phoneKnown := phone == ""
	for i := range cluster {
		if !emailKnown && cluster[i].EmailValue() == email {
			emailKnown = true
		}
		if !phoneKnown && cluster[i].PhoneValue() == phone {
			phoneKnown = true
		}
	}
	return !emailKnown || !phoneKnown
}

func memberByID(cluster []models.Contact, id string) *models.Contact {
	for i := range cluster {
		if cluster[i].ID == id {
			return &cluster[i]
		}
	}
	return nil
}
