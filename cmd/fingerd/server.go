package main

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
)

// startHTTPServer launches router on addr in a background goroutine and
// returns the *http.Server so the caller can Shutdown it gracefully.
func startHTTPServer(addr string, router *gin.Engine) *http.Server {
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

// logWriter is where fingerd's structured logger writes while running in
// the foreground: stderr. When the Supervisor launches serve as its child,
// that stderr is redirected to server.log in the process manager's log
// directory (<data dir>/logs).
func logWriter() *os.File {
	return os.Stderr
}

// openAppend opens path for the Event Bus's per-session JSONL persistence
// sink, creating it if necessary (spec §4.7 "append the event to a
// per-session JSONL file if persistence is enabled").
func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
