package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/nodestore/pkg/cache"
	"github.com/cuemby/nodestore/pkg/dictionary"
	"github.com/cuemby/nodestore/pkg/events"
	"github.com/cuemby/nodestore/pkg/log"
	"github.com/cuemby/nodestore/pkg/metrics"
	"github.com/cuemby/nodestore/pkg/policy"
	"github.com/cuemby/nodestore/pkg/security"
	"github.com/cuemby/nodestore/pkg/storage"
	"github.com/cuemby/nodestore/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultStore is created by Bootstrap
var DefaultStore = types.StoreRef{Protocol: types.ProtocolWorkspace, Identifier: "SpacesStore"}

// Config holds the collaborators of a Repository. Nil collaborators get
// permissive defaults.
type Config struct {
	Backend     storage.Backend
	Dictionary  *dictionary.Service
	Policies    *policy.Registry
	Permissions security.Checker
	Broker      *events.Broker

	ArchiveEnabled  bool
	DefaultLocale   string
	CacheMaxEntries int
	Retry           RetryOptions
}

// Repository is the transactional node store
type Repository struct {
	backend     storage.Backend
	dict        *dictionary.Service
	policies    *policy.Registry
	permissions security.Checker
	broker      *events.Broker

	archiveEnabled bool
	defaultLocale  string
	retry          RetryOptions

	// commitMu serializes validate-and-apply; committed loads hold it for
	// reading so a load never publishes a record older than the cache
	commitMu sync.RWMutex
	loads    singleflight.Group

	nodes      *cache.Cache[string, []byte]
	properties *cache.Cache[types.NodeVersionKey, types.Properties]
	aspects    *cache.Cache[types.NodeVersionKey, types.QNameSet]

	logger zerolog.Logger
}

// New creates a repository over cfg.Backend
func New(cfg Config) (*Repository, error) {
	if cfg.Backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if cfg.Dictionary == nil {
		cfg.Dictionary = dictionary.New()
	}
	if cfg.Policies == nil {
		cfg.Policies = policy.NewRegistry()
	}
	if cfg.Permissions == nil {
		cfg.Permissions = security.AllowAll{}
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en_US"
	}
	if cfg.Retry == (RetryOptions{}) {
		cfg.Retry = DefaultRetryOptions()
	}

	r := &Repository{
		backend:        cfg.Backend,
		dict:           cfg.Dictionary,
		policies:       cfg.Policies,
		permissions:    cfg.Permissions,
		broker:         cfg.Broker,
		archiveEnabled: cfg.ArchiveEnabled,
		defaultLocale:  cfg.DefaultLocale,
		retry:          cfg.Retry,
		nodes:          cache.New[string, []byte]("nodes", cfg.CacheMaxEntries),
		properties:     cache.New[types.NodeVersionKey, types.Properties]("properties", cfg.CacheMaxEntries),
		aspects:        cache.New[types.NodeVersionKey, types.QNameSet]("aspects", cfg.CacheMaxEntries),
		logger:         log.WithComponent("node"),
	}

	if acl, ok := cfg.Permissions.(*security.ACLChecker); ok {
		acl.SetResolver(r)
	}
	return r, nil
}

// Dictionary returns the model the repository validates against
func (r *Repository) Dictionary() *dictionary.Service {
	return r.dict
}

// Retry returns the options Do retries with
func (r *Repository) Retry() RetryOptions {
	return r.retry
}

// Policies returns the policy registry
func (r *Repository) Policies() *policy.Registry {
	return r.policies
}

// Bootstrap creates the default store if it does not exist yet
func (r *Repository) Bootstrap(ctx context.Context) error {
	return r.Do(ctx, func(ctx context.Context, tx *Txn) error {
		_, found, err := r.store(tx, DefaultStore)
		if err != nil || found {
			return err
		}
		_, err = r.CreateStore(ctx, tx, DefaultStore.Protocol, DefaultStore.Identifier)
		return err
	})
}

// committedNode returns the committed encoding of a node record, loading
// and publishing it on a cache miss
func (r *Repository) committedNode(key []byte) ([]byte, bool, error) {
	k := string(key)
	if raw, ok := r.nodes.Get(k); ok {
		return raw, true, nil
	}

	res, err, _ := r.loads.Do(k, func() (any, error) {
		r.commitMu.RLock()
		defer r.commitMu.RUnlock()

		raw, err := r.backend.Get(storage.BucketNodes, key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return []byte(nil), nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeNode(raw)
		if err != nil {
			return nil, err
		}
		r.publishNode(k, raw, rec, false)
		return raw, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load node: %w", err)
	}
	raw := res.([]byte)
	return raw, raw != nil, nil
}

// publishNode makes a committed record visible through the caches. The
// version-keyed entries are only ever added, never replaced.
func (r *Repository) publishNode(key string, raw []byte, rec *nodeRecord, replace bool) {
	if replace {
		r.nodes.Set(key, raw)
	} else {
		r.nodes.Publish(key, raw)
	}
	vk := rec.versionKey()
	r.properties.Publish(vk, rec.Properties.Clone())
	r.aspects.Publish(vk, rec.Aspects.Clone())
}

// GetPropertiesAt returns the properties a node had at the given version.
// Only versions that are still cached can be answered.
func (r *Repository) GetPropertiesAt(key types.NodeVersionKey) (types.Properties, bool) {
	props, ok := r.properties.Get(key)
	if !ok {
		return nil, false
	}
	return props.Clone(), true
}

// GetAspectsAt returns the aspects a node had at the given version
func (r *Repository) GetAspectsAt(key types.NodeVersionKey) (types.QNameSet, bool) {
	aspects, ok := r.aspects.Get(key)
	if !ok {
		return nil, false
	}
	return aspects.Clone(), true
}

// ClearCaches drops every cached entry. Persistent state is unaffected.
func (r *Repository) ClearCaches() {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	r.clearCachesLocked()
}

func (r *Repository) clearCachesLocked() {
	r.nodes.Clear()
	r.properties.Clear()
	r.aspects.Clear()
}

// Stats summarizes committed state for the metrics collector
func (r *Repository) Stats() (metrics.Stats, error) {
	stats := metrics.Stats{
		NodesByStore: make(map[string]map[string]int),
		CacheEntries: map[string]int{
			r.nodes.Name():      r.nodes.Len(),
			r.properties.Name(): r.properties.Len(),
			r.aspects.Name():    r.aspects.Len(),
		},
	}

	err := r.backend.Scan(storage.BucketNodes, nil, func(k, v []byte) error {
		var state struct {
			Deleted bool `json:"deleted"`
		}
		if err := decode(v, &state); err != nil {
			return err
		}
		store, _ := splitNodeKey(k)
		if stats.NodesByStore[store] == nil {
			stats.NodesByStore[store] = make(map[string]int)
		}
		status := "live"
		if state.Deleted {
			status = "deleted"
		}
		stats.NodesByStore[store][status]++
		return nil
	})
	if err != nil {
		return stats, err
	}

	err = r.backend.Scan(storage.BucketContentURLs, nil, func(_, v []byte) error {
		var rec contentRecord
		if err := decode(v, &rec); err != nil {
			return err
		}
		stats.ContentURLs++
		if rec.RefCount <= 0 {
			stats.OrphanContent++
		}
		return nil
	})
	return stats, err
}

type txnCtxKey struct{}

// PrimaryParentRef resolves the primary parent for permission inheritance.
// Inside an operation it reads through the running transaction so nodes
// created in that transaction resolve too.
func (r *Repository) PrimaryParentRef(ctx context.Context, ref types.NodeRef) (types.NodeRef, bool) {
	tx, ok := ctx.Value(txnCtxKey{}).(*Txn)
	if !ok || tx.closed {
		tx = r.Begin(ctx)
		defer tx.Rollback()
	}
	assoc, found, err := r.primaryParentAssoc(tx, ref)
	if err != nil || !found {
		return types.NodeRef{}, false
	}
	return assoc.Parent, true
}

// checkPermission asks the permission checker and wraps a refusal
func (r *Repository) checkPermission(ctx context.Context, tx *Txn, ref types.NodeRef, perm security.Permission) error {
	if _, ok := r.permissions.(security.AllowAll); ok {
		return nil
	}
	err := r.permissions.Check(context.WithValue(ctx, txnCtxKey{}, tx), ref, perm)
	if err == nil {
		return nil
	}
	return &PermissionDeniedError{Node: ref, Permission: string(perm), User: tx.user, Err: err}
}

// classes lists the type hierarchy and aspects used to match policies
func (r *Repository) classes(rec *nodeRecord) []types.QName {
	out := r.dict.Hierarchy(rec.Type)
	return append(out, rec.Aspects.Sorted()...)
}

func (r *Repository) fireBefore(ctx context.Context, ev *policy.Event, classes []types.QName) error {
	if !r.policies.HasHandlers(ev.Kind) {
		return nil
	}
	if err := r.policies.Fire(ctx, ev, classes); err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyVeto, err)
	}
	return nil
}

func (r *Repository) fireOn(ctx context.Context, ev *policy.Event, classes []types.QName) error {
	if !r.policies.HasHandlers(ev.Kind) {
		return nil
	}
	return r.policies.Fire(ctx, ev, classes)
}

func observe(operation string) func() {
	timer := metrics.NewTimer()
	return func() {
		timer.ObserveDurationVec(metrics.OperationDuration, operation)
	}
}

func timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
