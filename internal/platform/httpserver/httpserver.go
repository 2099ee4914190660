// Package httpserver constructs the server hosting the candidate and
// supervisor APIs.
package httpserver

import (
	"net/http"
	"time"
)

// New returns the shared HTTP server. Only the header read carries a
// deadline: supervisor live views hold their connections open for the
// length of an exam, so blanket read and write timeouts would cut them off.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
