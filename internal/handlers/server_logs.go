package handlers

import (
	"net/http"

	"github.com/gluk-w/cbash/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

// ServerLogs returns the tail of the server log file. ?lines=N selects how
// many lines; logs is empty when LOG_PATH is unset.
func (a *API) ServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, ok := queryInt(r, "lines", defaultLogLines, maxLogLines)
	if !ok {
		writeError(w, http.StatusBadRequest, "lines must be a positive integer")
		return
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
