package jobs

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router over the refresh job log: listing records,
// fetching one, and an operator cancel that marks a PENDING or RUNNING
// record CANCELED in the log. reflectiond's own HTTP server does not mount
// it, and it is not part of the reconciliation path.
func Router(store *JobStore) chi.Router {
	r := chi.NewRouter()
	r.Get("/refresh", ListJobsHandler(store))
	r.Get("/refresh/{jobId}", GetJobHandler(store))
	r.Post("/refresh/{jobId}:cancel", CancelJobHandler(store))
	return r
}
