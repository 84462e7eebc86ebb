package dedup

import "time"

// EventKind identifies a step of the clustering pass
type EventKind int

const (
	EventPassStarted EventKind = iota
	EventSkipped
	EventJoinedCluster
	EventClusterCreated
	EventChildAttached
	EventUnclustered
	EventPassFinished
)

var eventKindNames = map[EventKind]string{
	EventPassStarted:    "pass_started",
	EventSkipped:        "skipped",
	EventJoinedCluster:  "joined_cluster",
	EventClusterCreated: "cluster_created",
	EventChildAttached:  "child_attached",
	EventUnclustered:    "unclustered",
	EventPassFinished:   "pass_finished",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event describes progress of a clustering pass.
//
// ID is the feature being processed (or the child for EventChildAttached),
// Parent the cluster it ended up in. Processed counts features visited so
// far including the current one; Total is the number of features in the
// pass. Stats is only set on EventPassFinished.
type Event struct {
	Kind       EventKind
	ID         FeatureID
	Parent     FeatureID
	Candidates int
	Processed  int
	Total      int
	Elapsed    time.Duration
	Stats      *Stats
}

// Observer receives pass events. Observers run synchronously on the pass
// goroutine and must not call back into the engine.
type Observer interface {
	Observe(Event)
}

// MultiObserver fans events out to several observers in order
type MultiObserver []Observer

func (m MultiObserver) Observe(e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(e)
		}
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
