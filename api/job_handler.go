package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/validate"
)

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		a.writeError(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	j, err := a.eng.EnqueueRaw(r.Context(), chi.URLParam(r, "queue"), req.Payload, opts...)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse(j))
}

func (req EnqueueRequest) options() ([]job.Option, error) {
	var opts []job.Option
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.MaxAttempts != 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DedupeKey != "" {
		opts = append(opts, job.WithDedupeKey(req.DedupeKey))
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return nil, fmt.Errorf("%w: delay: %w", courier.ErrValidation, err)
		}
		opts = append(opts, job.WithDelay(d))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %w", courier.ErrValidation, err)
		}
		opts = append(opts, job.WithTimeout(d))
	}
	return opts, nil
}

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.Manager().Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}
	j, err := a.eng.JobStore().GetJob(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(j))
}
