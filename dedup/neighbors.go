package dedup

import (
	"errors"
	"fmt"
)

// Finder produces candidate duplicates for a feature
type Finder interface {
	Neighbors(id FeatureID) ([]FeatureID, error)
}

// NeighborFinder returns the features whose bound intersects a feature's
// envelope. This over-approximates touching features; the exact test is
// left to the engine.
type NeighborFinder struct {
	store  Store
	oracle GeometryOracle
}

// NewNeighborFinder creates a finder over store using oracle for envelopes
func NewNeighborFinder(store Store, oracle GeometryOracle) *NeighborFinder {
	return &NeighborFinder{store: store, oracle: oracle}
}

// Neighbors returns the ids of every feature intersecting id's envelope,
// excluding id itself, in store order. A feature that is unknown or has no
// geometry has no neighbors. The store's filter is cleared before returning.
func (nf *NeighborFinder) Neighbors(id FeatureID) ([]FeatureID, error) {
	f, err := nf.store.Feature(id)
	if errors.Is(err, ErrFeatureNotFound) {
		return []FeatureID{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading feature %d: %w", id, err)
	}

	envelope, ok := nf.oracle.Envelope(f)
	if !ok {
		return []FeatureID{}, nil
	}

	var ids []FeatureID
	err = WithSpatialFilter(nf.store, envelope, func() error {
		visible, err := nf.store.FeatureIDs()
		if err != nil {
			return err
		}
		ids = make([]FeatureID, 0, len(visible))
		for _, other := range visible {
			if other != id {
				ids = append(ids, other)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying neighbors of %d: %w", id, err)
	}
	return ids, nil
}
