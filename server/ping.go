package server

import "net/http"

// Ping is a liveness endpoint: any request gets a 200 with no body
// processing required, so a load balancer or client.Ping can confirm
// the process is up without touching the State Store.
type Ping struct{}

func (Ping) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}
