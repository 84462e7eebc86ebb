package dedup

import (
	"bytes"
	"fmt"
	"time"
)

// Engine clusters duplicate features: features with identical attributes
// whose geometries touch.
//
// Features are visited once, in ascending id order. A feature that is
// already someone's child is skipped. Otherwise it first tries to join an
// existing cluster through a neighbor that is already a child (the first
// match in neighbor order wins), and failing that becomes the parent of
// every matching neighbor that is not yet clustered. Clusters are never
// merged afterwards, so the result is single-link and order-sensitive.
type Engine struct {
	store    Store
	finder   Finder
	oracle   GeometryOracle
	fp       Fingerprinter
	verify   bool
	observer Observer
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithFinder replaces the default NeighborFinder
func WithFinder(f Finder) EngineOption {
	return func(e *Engine) {
		e.finder = f
	}
}

// WithOracle replaces the default OrbOracle
func WithOracle(o GeometryOracle) EngineOption {
	return func(e *Engine) {
		e.oracle = o
	}
}

// WithObserver sets the progress observer
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithAttributeVerification confirms fingerprint matches by comparing the
// canonical attribute encodings byte for byte
func WithAttributeVerification(verify bool) EngineOption {
	return func(e *Engine) {
		e.verify = verify
	}
}

// NewEngine creates an engine over store
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		oracle:   OrbOracle{},
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.finder == nil {
		e.finder = NewNeighborFinder(store, e.oracle)
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	return e
}

// candidate is a feature read once per root together with its fingerprint
type candidate struct {
	feature     *Feature
	fingerprint Fingerprint
	canonical   []byte
}

func (e *Engine) load(id FeatureID) (*candidate, error) {
	f, err := e.store.Feature(id)
	if err != nil {
		return nil, fmt.Errorf("reading feature %d: %w", id, err)
	}
	c := &candidate{feature: f, fingerprint: e.fp.Fingerprint(f)}
	if e.verify {
		c.canonical = CanonicalAttributes(f)
	}
	return c, nil
}

// ShouldJoin reports whether b is a duplicate of a: distinct ids, equal
// attribute fingerprints and intersecting geometries
func (e *Engine) ShouldJoin(a, b FeatureID) (bool, error) {
	if a == b {
		return false, nil
	}
	ca, err := e.load(a)
	if err != nil {
		return false, err
	}
	return e.joins(ca, b)
}

func (e *Engine) joins(a *candidate, b FeatureID) (bool, error) {
	if a.feature.ID == b {
		return false, nil
	}
	cb, err := e.load(b)
	if err != nil {
		return false, err
	}
	if a.fingerprint != cb.fingerprint {
		return false, nil
	}
	if e.verify && !bytes.Equal(a.canonical, cb.canonical) {
		return false, nil
	}
	if a.feature.Geometry == nil || cb.feature.Geometry == nil {
		return false, nil
	}
	return e.oracle.Intersects(a.feature.Geometry, cb.feature.Geometry), nil
}

// Run performs one clustering pass over every feature in the store. A store
// error aborts the pass and no result is returned.
func (e *Engine) Run() (*Result, error) {
	start := time.Now()

	e.store.ClearSpatialFilter()
	e.store.ResetReading()
	ids, err := e.store.FeatureIDs()
	if err != nil {
		return nil, fmt.Errorf("listing features: %w", err)
	}

	res := NewResult()
	total := len(ids)
	e.observer.Observe(Event{Kind: EventPassStarted, Total: total})

	for i, id := range ids {
		progress := Event{ID: id, Processed: i + 1, Total: total}

		if parent, ok := res.ParentOf(id); ok {
			res.Skipped++
			progress.Kind = EventSkipped
			progress.Parent = parent
			e.observer.Observe(progress)
			continue
		}

		res.Processed++
		if err := e.process(res, id, progress); err != nil {
			return nil, err
		}
	}

	res.Elapsed = time.Since(start)
	stats := res.Stats()
	e.observer.Observe(Event{
		Kind:      EventPassFinished,
		Processed: total,
		Total:     total,
		Elapsed:   res.Elapsed,
		Stats:     &stats,
	})
	return res, nil
}

// process evaluates one root feature against its neighbors
func (e *Engine) process(res *Result, id FeatureID, progress Event) error {
	neighbors, err := e.finder.Neighbors(id)
	if err != nil {
		return fmt.Errorf("finding neighbors of %d: %w", id, err)
	}
	progress.Candidates = len(neighbors)

	if len(neighbors) == 0 {
		res.Unclustered++
		progress.Kind = EventUnclustered
		e.observer.Observe(progress)
		return nil
	}

	root, err := e.load(id)
	if err != nil {
		return err
	}

	// Prefer joining an existing cluster through a neighbor already in it
	for _, other := range neighbors {
		parent, ok := res.ParentOf(other)
		if !ok {
			continue
		}
		match, err := e.joins(root, other)
		if err != nil {
			return err
		}
		if match {
			res.attach(parent, id)
			progress.Kind = EventJoinedCluster
			progress.Parent = parent
			e.observer.Observe(progress)
			return nil
		}
	}

	// Otherwise claim every matching unclustered neighbor. Existing parents
	// are left alone so parents and children stay disjoint.
	for _, other := range neighbors {
		if other == id || res.IsChild(other) || res.IsParent(other) {
			continue
		}
		match, err := e.joins(root, other)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		if res.attach(id, other) {
			created := progress
			created.Kind = EventClusterCreated
			created.Parent = id
			e.observer.Observe(created)
		}
		attached := progress
		attached.Kind = EventChildAttached
		attached.ID = other
		attached.Parent = id
		e.observer.Observe(attached)
	}

	if !res.IsParent(id) {
		res.Unclustered++
		progress.Kind = EventUnclustered
		e.observer.Observe(progress)
	}
	return nil
}
