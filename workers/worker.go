// Package workers is the worker registry: who is out there, what job kinds
// they take and when we last heard from them.
package workers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/derivkit/jobhub/errors"
)

// Status is a liveness classification derived from last_ping by the sweep
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusMissing Status = "missing"
	StatusDead    Status = "dead"
)

// Worker is a registered remote execution agent
type Worker struct {
	UUID           string    `json:"uuid"`
	MachineName    string    `json:"machine_name"`
	Owner          string    `json:"owner"`
	Accepts        []string  `json:"accepts"`
	Status         Status    `json:"status"`
	Enabled        bool      `json:"enabled"`
	LastPing       time.Time `json:"last_ping"`
	LastJob        string    `json:"last_job,omitempty"` // diagnostic only
	TimeRegistered time.Time `json:"time_registered"`
}

// Registration is what a worker declares on every job request.
// Accepts replaces the stored set; it is never merged.
type Registration struct {
	UUID        string
	MachineName string
	Owner       string
	Accepts     []string
}

// Validate checks the worker identity
func (r Registration) Validate() error {
	if _, err := uuid.Parse(r.UUID); err != nil {
		return errors.NewInvalidRequestError("machine_id %q: %v", r.UUID, err)
	}
	return nil
}

func encodeAccepts(accepts []string) (string, error) {
	if accepts == nil {
		accepts = []string{}
	}
	b, err := json.Marshal(accepts)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal accepts")
	}
	return string(b), nil
}

func decodeAccepts(raw string) ([]string, error) {
	var accepts []string
	if raw == "" {
		return accepts, nil
	}
	if err := json.Unmarshal([]byte(raw), &accepts); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal accepts")
	}
	return accepts, nil
}
