package handlers

import (
	"net/http"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
