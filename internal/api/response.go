package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
)

// Response is the envelope of every API body.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// retryAfter tells agents how long to wait before resending, in seconds.
var retryAfter = map[int]int{
	http.StatusTooManyRequests:    60,
	http.StatusServiceUnavailable: 5,
}

func write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if secs, ok := retryAfter[status]; ok {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}

// OK writes data with status 200.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, Response{Data: data})
}

// JSONError writes err with its status.
func JSONError(w http.ResponseWriter, err *Error) {
	write(w, err.Status, Response{Error: err})
}

// JSONErrorWithData writes err together with per-item detail, for requests
// that failed as a whole, such as a batch in which every sample was rejected.
func JSONErrorWithData(w http.ResponseWriter, err *Error, data any) {
	write(w, err.Status, Response{Data: data, Error: err})
}
