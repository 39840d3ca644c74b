package jobdb

import (
	"net/http"
	"strconv"

	"github.com/banshee-data/splatseq/internal/httputil"
)

func (db *DB) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs, err := db.ListJobs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, jobs)
}
