package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
)

func responseJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func responseError(w http.ResponseWriter, message, field string, code int) {
	responseJSON(w, &APIResponse{
		Status:  "error",
		Message: message,
		Field:   field,
	}, code)
}

func nonceParam(r *http.Request) (uint64, bool) {
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	return nonce, err == nil
}

// intQuery returns def when the parameter is absent.
func intQuery(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
