package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"
)

// Metadata is the JSON body of a marker file.
type Metadata struct {
	ProcessID      int       `json:"process_id"`
	Timestamp      time.Time `json:"timestamp"`
	StorePath      string    `json:"store_path"`
	Host           string    `json:"host"`
	RuntimeVersion string    `json:"runtime_version"`
}

func newMetadata(storePath, host string, now time.Time) Metadata {
	return Metadata{
		ProcessID:      os.Getpid(),
		Timestamp:      now.UTC(),
		StorePath:      storePath,
		Host:           host,
		RuntimeVersion: runtime.Version(),
	}
}

// errUnparsable wraps marker bodies that are not valid metadata.
type errUnparsable struct{ err error }

func (e errUnparsable) Error() string { return "unparsable lock marker: " + e.err.Error() }
func (e errUnparsable) Unwrap() error { return e.err }

func parseMetadata(data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, errUnparsable{err}
	}
	if md.ProcessID <= 0 || md.Timestamp.IsZero() {
		return nil, errUnparsable{fmt.Errorf("missing process_id or timestamp")}
	}
	return &md, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
