package mallocmonitor

import (
	"fmt"
	"net/http"
)

// ProfileHandler returns an http.Handler serving the trace's allocation
// profile in pprof wire format, suitable for `go tool pprof http://...`.
func ProfileHandler(t *Trace) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")

		prof := BuildAllocProfile(t)

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="profile"`)
		if err := prof.Write(w); err != nil {
			serveError(w, http.StatusInternalServerError, err.Error())
		}
	})
}

func serveError(w http.ResponseWriter, status int, txt string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}
