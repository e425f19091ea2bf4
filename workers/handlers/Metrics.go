package handlers

import (
	"log"
	"net/http"
)

func (a *API) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.Store.AggregateMetrics(r.Context())
	if err != nil {
		log.Printf("Error aggregating metrics: %s", err.Error())
		responseError(w, "unable to aggregate metrics", "", http.StatusInternalServerError)
		return
	}
	responseJSON(w, m, http.StatusOK)
}
