package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"escrowrelay/store"
)

var errNoSimulator = errors.New("traffic generator is not configured")

func (a *API) StartSimulation(w http.ResponseWriter, r *http.Request) {
	if a.Simulator == nil {
		responseError(w, errNoSimulator.Error(), "", http.StatusServiceUnavailable)
		return
	}

	var req APISimulationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			responseError(w, "invalid JSON body", "", http.StatusBadRequest)
			return
		}
	}
	if req.DurationMinutes < 0 {
		responseError(w, "duration_minutes must not be negative", "duration_minutes", http.StatusBadRequest)
		return
	}

	d := time.Duration(req.DurationMinutes * float64(time.Minute))
	if err := a.Simulator.Start(d); err != nil {
		responseError(w, err.Error(), "", http.StatusConflict)
		return
	}
	responseJSON(w, a.Simulator.Status(), http.StatusOK)
}

func (a *API) StopSimulation(w http.ResponseWriter, r *http.Request) {
	if a.Simulator == nil {
		responseError(w, errNoSimulator.Error(), "", http.StatusServiceUnavailable)
		return
	}
	a.Simulator.Stop()
	responseJSON(w, &APIResponse{Status: "ok", Message: "simulation stopping"}, http.StatusOK)
}

func (a *API) SimulationStatus(w http.ResponseWriter, r *http.Request) {
	if a.Simulator == nil {
		responseError(w, errNoSimulator.Error(), "", http.StatusServiceUnavailable)
		return
	}
	responseJSON(w, a.Simulator.Status(), http.StatusOK)
}

// ClearData wipes every request, event and cursor. Dispatch stays paused
// afterwards so nothing races the empty store; resume it explicitly.
func (a *API) ClearData(w http.ResponseWriter, r *http.Request) {
	if a.Simulator != nil {
		a.Simulator.Stop()
	}
	a.Dispatch.Pause()

	if err := a.Store.Reset(r.Context()); err != nil {
		log.Printf("Error clearing data: %s", err.Error())
		responseError(w, "unable to clear data", "", http.StatusInternalServerError)
		return
	}
	a.Events.Reset()

	log.Print("All stored data cleared by operator")
	responseJSON(w, &APIResponse{Status: "ok", Message: "data cleared, dispatch paused"}, http.StatusOK)
}

func (a *API) Pause(w http.ResponseWriter, r *http.Request) {
	a.Dispatch.Pause()
	responseJSON(w, &APIControlResponse{Status: "ok", Paused: a.Dispatch.Paused()}, http.StatusOK)
}

func (a *API) Resume(w http.ResponseWriter, r *http.Request) {
	a.Dispatch.Resume()
	responseJSON(w, &APIControlResponse{Status: "ok", Paused: a.Dispatch.Paused()}, http.StatusOK)
}

func (a *API) Unhalt(w http.ResponseWriter, r *http.Request) {
	nonce, ok := nonceParam(r)
	if !ok {
		responseError(w, "invalid nonce", "nonce", http.StatusBadRequest)
		return
	}

	err := a.Unhalter.Unhalt(r.Context(), nonce)
	switch {
	case errors.Is(err, store.ErrTerminal):
		responseError(w, "transaction is terminal", "nonce", http.StatusConflict)
		return
	case !a.found(w, err):
		return
	}

	a.Dispatch.Enqueue(nonce)
	responseJSON(w, &APIResponse{Status: "ok", Message: "nonce resumed"}, http.StatusOK)
}
