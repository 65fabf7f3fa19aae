package dispatch

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/derivkit/jobhub/errors"
)

// Kind selects a handler
type Kind string

const (
	KindJob         Kind = "job"
	KindJobAccepted Kind = "job-accepted"
	KindJobRejected Kind = "job-rejected"
	KindJobStatus   Kind = "job-status"
	KindJobSuccess  Kind = "job-success"
	KindJobFailed   Kind = "job-failed"
)

// Request is one decoded request. Exactly one of the concrete types below.
type Request interface {
	Kind() Kind
	Machine() MachineRef
}

// MachineRef identifies the sending worker
type MachineRef struct {
	ID   string
	Name string
}

// Machine returns the sending worker
func (m MachineRef) Machine() MachineRef { return m }

// JobRequest asks for work and (re-)registers the worker
type JobRequest struct {
	MachineRef
	Accepts       []string
	Architectures []string
}

// AcceptedRequest confirms a scheduled job is starting
type AcceptedRequest struct {
	MachineRef
	JobID string
}

// RejectedRequest hands a job back
type RejectedRequest struct {
	MachineRef
	JobID string
}

// StatusRequest reports progress; it gets no reply
type StatusRequest struct {
	MachineRef
	JobID      string
	LogExcerpt string
}

// SuccessRequest reports a job finished successfully
type SuccessRequest struct {
	MachineRef
	JobID string
}

// FailedRequest reports a job finished with failure
type FailedRequest struct {
	MachineRef
	JobID string
}

func (JobRequest) Kind() Kind      { return KindJob }
func (AcceptedRequest) Kind() Kind { return KindJobAccepted }
func (RejectedRequest) Kind() Kind { return KindJobRejected }
func (StatusRequest) Kind() Kind   { return KindJobStatus }
func (SuccessRequest) Kind() Kind  { return KindJobSuccess }
func (FailedRequest) Kind() Kind   { return KindJobFailed }

// wireRequest is every field any request kind may carry
type wireRequest struct {
	Request       *string  `json:"request"`
	MachineID     string   `json:"machine_id"`
	MachineName   string   `json:"machine_name"`
	Accepts       []string `json:"accepts"`
	Architectures []string `json:"architectures"`
	UUID          string   `json:"uuid"`
	LogExcerpt    string   `json:"log_excerpt"`
}

// Decode turns a payload into a typed request.
// Undecodable payloads, a missing request field and missing kind-specific
// fields are ErrInvalidRequest; an unrecognized kind is ErrUnknownRequest.
func Decode(payload []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, errors.NewInvalidRequestError("undecodable payload: %v", err)
	}
	if w.Request == nil {
		return nil, errors.NewInvalidRequestError("missing request field")
	}

	kind := Kind(*w.Request)
	switch kind {
	case KindJob, KindJobAccepted, KindJobRejected, KindJobStatus, KindJobSuccess, KindJobFailed:
	default:
		return nil, errors.Wrapf(errors.ErrUnknownRequest, "request %q", kind)
	}

	if _, err := uuid.Parse(w.MachineID); err != nil {
		return nil, errors.NewInvalidRequestError("%s: machine_id %q is not a uuid", kind, w.MachineID)
	}
	machine := MachineRef{ID: w.MachineID, Name: w.MachineName}

	if kind == KindJob {
		return JobRequest{MachineRef: machine, Accepts: w.Accepts, Architectures: w.Architectures}, nil
	}

	if w.UUID == "" {
		return nil, errors.NewInvalidRequestError("%s: missing uuid", kind)
	}
	switch kind {
	case KindJobAccepted:
		return AcceptedRequest{MachineRef: machine, JobID: w.UUID}, nil
	case KindJobRejected:
		return RejectedRequest{MachineRef: machine, JobID: w.UUID}, nil
	case KindJobStatus:
		return StatusRequest{MachineRef: machine, JobID: w.UUID, LogExcerpt: w.LogExcerpt}, nil
	case KindJobSuccess:
		return SuccessRequest{MachineRef: machine, JobID: w.UUID}, nil
	default:
		return FailedRequest{MachineRef: machine, JobID: w.UUID}, nil
	}
}

// PeekKind returns the request kind of payload without validating the rest
// of it. It returns "" when the payload carries no request field.
func PeekKind(payload []byte) Kind {
	var w struct {
		Request string `json:"request"`
	}
	if err := json.Unmarshal(payload, &w); err != nil {
		return ""
	}
	return Kind(w.Request)
}

// Silent reports whether kind never gets a reply, not even an error
func (k Kind) Silent() bool {
	return k == KindJobStatus
}
