package handlers

import (
	"errors"
	"log"
	"net/http"

	"escrowrelay/proof"
	"escrowrelay/store"
	"escrowrelay/types"
)

func (a *API) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", types.DefaultPageLimit)
	if err != nil || limit < 0 {
		responseError(w, "limit must be a non-negative integer", "limit", http.StatusBadRequest)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil || offset < 0 {
		responseError(w, "offset must be a non-negative integer", "offset", http.StatusBadRequest)
		return
	}

	reqs, total, err := a.Store.ListRequests(r.Context(), types.Page{Limit: limit, Offset: offset}.Normalize())
	if err != nil {
		log.Printf("Error listing transactions: %s", err.Error())
		responseError(w, "unable to list transactions", "", http.StatusInternalServerError)
		return
	}
	if reqs == nil {
		reqs = []*types.Request{}
	}

	responseJSON(w, &APITransactionsResponse{Transactions: reqs, Total: total}, http.StatusOK)
}

func (a *API) GetTransaction(w http.ResponseWriter, r *http.Request) {
	nonce, ok := nonceParam(r)
	if !ok {
		responseError(w, "invalid nonce", "nonce", http.StatusBadRequest)
		return
	}

	req, err := a.Store.GetRequest(r.Context(), nonce)
	if !a.found(w, err) {
		return
	}
	events, err := a.Store.ListEvents(r.Context(), nonce)
	if !a.found(w, err) {
		return
	}
	bundle, err := a.proof(r, nonce)
	if !a.found(w, err) {
		return
	}

	responseJSON(w, &APITransactionResponse{
		Transaction: req,
		Events:      events,
		Proof:       bundle,
	}, http.StatusOK)
}

func (a *API) GetEvents(w http.ResponseWriter, r *http.Request) {
	nonce, ok := nonceParam(r)
	if !ok {
		responseError(w, "invalid nonce", "nonce", http.StatusBadRequest)
		return
	}

	// ListEvents cannot tell an unknown nonce from one without events
	if _, err := a.Store.GetRequest(r.Context(), nonce); !a.found(w, err) {
		return
	}
	events, err := a.Store.ListEvents(r.Context(), nonce)
	if !a.found(w, err) {
		return
	}
	responseJSON(w, events, http.StatusOK)
}

func (a *API) GetProof(w http.ResponseWriter, r *http.Request) {
	nonce, ok := nonceParam(r)
	if !ok {
		responseError(w, "invalid nonce", "nonce", http.StatusBadRequest)
		return
	}

	bundle, err := a.proof(r, nonce)
	if !a.found(w, err) {
		return
	}
	if bundle == nil {
		responseError(w, "proof not built yet", "nonce", http.StatusNotFound)
		return
	}
	responseJSON(w, bundle, http.StatusOK)
}

// proof loads the stored bundle and recomputes Verified against the relayer.
func (a *API) proof(r *http.Request, nonce uint64) (*types.ProofBundle, error) {
	bundle, err := a.Store.GetProof(r.Context(), nonce)
	if err != nil || bundle == nil {
		return nil, err
	}
	bundle.Verified = proof.Verify(bundle, a.Relayer) == nil
	return bundle, nil
}

// found writes the error response for err and reports whether err was nil.
func (a *API) found(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrNotFound):
		responseError(w, "transaction not found", "nonce", http.StatusNotFound)
	default:
		log.Printf("Error reading transaction: %s", err.Error())
		responseError(w, "unable to read transaction", "", http.StatusInternalServerError)
	}
	return false
}
