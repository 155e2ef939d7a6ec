package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/courier/validate"
)

func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		a.writeError(w, r, err)
		return
	}

	e, err := a.eng.Publish(r.Context(), req.Channel, req.Type, req.payload())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, PublishResponse{
		EventID: e.ID.String(),
		Origin:  e.Origin,
		Seq:     e.Seq,
	})
}
