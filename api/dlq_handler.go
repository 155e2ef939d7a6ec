package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/courier/id"
)

const defaultLimit = 50

func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultLimit)
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid limit: %v", err))
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid offset: %v", err))
		return
	}
	queueName := q.Get("queue")

	entries, err := a.eng.DLQ().List(r.Context(), queueName, limit, offset)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	total, err := a.eng.DLQ().Count(r.Context(), queueName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	resp := DeadLetterListResponse{Entries: make([]DeadLetterResponse, 0, len(entries)), Total: total}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, deadLetterResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}
	e, err := a.eng.DLQ().Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterResponse(e))
}

func (a *API) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}
	j, err := a.eng.DLQ().Replay(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse(j))
}

func (a *API) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.DLQ().Purge(r.Context(), r.URL.Query().Get("queue"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}
