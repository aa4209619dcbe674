package models

import "time"

// RunInfo describes the sync run a payload belongs to.
type RunInfo struct {
	Start     time.Time
	FetchedAt time.Time
}

// KindCounts tallies what happened to the records of one kind.
type KindCounts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Versioned int `json:"versioned"`
	Skipped   int `json:"skipped"`
}

// RunResult is returned by the store after a run commits.
type RunResult struct {
	BatchID int64                `json:"batch_id"`
	Counts  map[Kind]*KindCounts `json:"counts"`
}

// NewRunResult returns a result with zeroed counts for every kind.
func NewRunResult() *RunResult {
	r := &RunResult{Counts: make(map[Kind]*KindCounts, len(Kinds))}
	for _, k := range Kinds {
		r.Counts[k] = &KindCounts{}
	}
	return r
}

// BatchCreated reports whether the run wrote anything.
func (r *RunResult) BatchCreated() bool {
	return r.BatchID != 0
}

// Changed returns the number of inserted plus updated records.
func (r *RunResult) Changed() int {
	n := 0
	for _, c := range r.Counts {
		n += c.Inserted + c.Updated
	}
	return n
}

// Skipped returns the number of records left unwritten for lack of a key.
func (r *RunResult) Skipped() int {
	n := 0
	for _, c := range r.Counts {
		n += c.Skipped
	}
	return n
}

// InvalidRecord is a stored record whose validity flag is false.
type InvalidRecord struct {
	Kind   Kind             `json:"kind"`
	Key    int64            `json:"key"`
	Errors ValidationErrors `json:"errors"`
}
