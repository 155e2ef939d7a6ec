package api

import (
	"net/http"

	"github.com/xraph/courier/cluster"
)

func (a *API) listInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := a.eng.Instances(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if insts == nil {
		insts = []*cluster.Instance{}
	}
	writeJSON(w, http.StatusOK, insts)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		InstanceID: a.eng.InstanceID().String(),
		Leader:     a.eng.IsLeader(),
		Running:    a.eng.Running(),
	}
	status := http.StatusOK
	if err := a.eng.Health(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
