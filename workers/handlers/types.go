package handlers

import "escrowrelay/types"

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type APITransactionsResponse struct {
	Transactions []*types.Request `json:"transactions"`
	Total        int64            `json:"total"`
}

type APITransactionResponse struct {
	Transaction *types.Request         `json:"transaction"`
	Events      []types.LifecycleEvent `json:"events"`
	// null until the request was verified
	Proof *types.ProofBundle `json:"proof"`
}

type APIControlResponse struct {
	Status string `json:"status"`
	Paused bool   `json:"paused"`
}

type APISimulationRequest struct {
	DurationMinutes float64 `json:"duration_minutes"`
}
