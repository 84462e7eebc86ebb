package dedup

import (
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Result is the output of one clustering pass
type Result struct {
	RunID    string
	Clusters ClusterMap
	Children ChildIndex

	// order records parents in registration order
	order []FeatureID

	Processed   int
	Skipped     int
	Unclustered int
	Elapsed     time.Duration
}

// Cluster is one parent with its duplicates, in discovery order
type Cluster struct {
	Parent   FeatureID   `json:"parent"`
	Children []FeatureID `json:"children"`
}

// Stats summarizes a pass
type Stats struct {
	Features       int           `json:"features"`
	Skipped        int           `json:"skipped"`
	Clusters       int           `json:"clusters"`
	Duplicates     int           `json:"duplicates"`
	Unclustered    int           `json:"unclustered"`
	LargestCluster int           `json:"largestCluster"`
	Elapsed        time.Duration `json:"elapsedNs"`
}

// NewResult returns an empty result
func NewResult() *Result {
	return &Result{
		Clusters: make(ClusterMap),
		Children: make(ChildIndex),
	}
}

// IsChild reports whether id has been attached to a parent
func (r *Result) IsChild(id FeatureID) bool {
	_, ok := r.Children[id]
	return ok
}

// IsParent reports whether id represents a cluster
func (r *Result) IsParent(id FeatureID) bool {
	_, ok := r.Clusters[id]
	return ok
}

// ParentOf returns the parent a child was attached to
func (r *Result) ParentOf(id FeatureID) (FeatureID, bool) {
	p, ok := r.Children[id]
	return p, ok
}

// attach appends child under parent, registering parent on first use.
// It reports whether parent was newly registered.
func (r *Result) attach(parent, child FeatureID) bool {
	_, existed := r.Clusters[parent]
	if !existed {
		r.order = append(r.order, parent)
	}
	r.Clusters[parent] = append(r.Clusters[parent], child)
	r.Children[child] = parent
	return !existed
}

// ClusterList returns the clusters in parent registration order
func (r *Result) ClusterList() []Cluster {
	order := r.order
	if len(order) != len(r.Clusters) {
		// Results rebuilt from a file carry no registration order
		order = make([]FeatureID, 0, len(r.Clusters))
		for p := range r.Clusters {
			order = append(order, p)
		}
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	}

	out := make([]Cluster, 0, len(order))
	for _, p := range order {
		children := make([]FeatureID, len(r.Clusters[p]))
		copy(children, r.Clusters[p])
		out = append(out, Cluster{Parent: p, Children: children})
	}
	return out
}

// Stats returns summary counts for the pass
func (r *Result) Stats() Stats {
	s := Stats{
		Features:    r.Processed + r.Skipped,
		Skipped:     r.Skipped,
		Clusters:    len(r.Clusters),
		Duplicates:  len(r.Children),
		Unclustered: r.Unclustered,
		Elapsed:     r.Elapsed,
	}
	for _, children := range r.Clusters {
		if n := len(children) + 1; n > s.LargestCluster {
			s.LargestCluster = n
		}
	}
	return s
}

// Validate checks the cluster invariants: every child belongs to exactly
// one parent, the child index mirrors the cluster map, and no parent is a
// child.
func (r *Result) Validate() error {
	parents := roaring64.New()
	children := roaring64.New()

	for parent, kids := range r.Clusters {
		parents.Add(uint64(parent))
		if len(kids) == 0 {
			return fmt.Errorf("parent %d has no children", parent)
		}
		for _, kid := range kids {
			if !children.CheckedAdd(uint64(kid)) {
				return fmt.Errorf("feature %d is a child of more than one parent", kid)
			}
			if p, ok := r.Children[kid]; !ok || p != parent {
				return fmt.Errorf("child index disagrees for feature %d: want parent %d", kid, parent)
			}
		}
	}

	if children.GetCardinality() != uint64(len(r.Children)) {
		return fmt.Errorf("child index has %d entries, clusters hold %d children",
			len(r.Children), children.GetCardinality())
	}
	if parents.Intersects(children) {
		both := roaring64.And(parents, children)
		return fmt.Errorf("features are both parent and child: %v", both.ToArray())
	}
	return nil
}
