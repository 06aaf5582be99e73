package manager

import (
	"context"

	"github.com/harunoni/reflection-manager/pkg/jobservice"
	"github.com/harunoni/reflection-manager/pkg/model"
	"github.com/harunoni/reflection-manager/pkg/namespace"
)

// RefreshDecision is what handleRefreshSuccess learns from a completed build
// job: the method used, the field incremental refreshes key on, a hash of
// the dataset shape the layout was built against, and the dependency edges
// to record in the dependency manager. Planning and executing the SQL that
// produces this information is the job service's concern, not the
// manager's; RefreshDoneHandler is the seam between the two.
type RefreshDecision struct {
	RefreshMethod string
	RefreshField  string
	DatasetHash   string
	Dependencies  []string
	DontGiveUp    bool
}

// RefreshDoneHandler computes a RefreshDecision from a completed job. It
// returns an error if the decision could not be derived, in which case
// handleRefreshSuccess fails the materialization and routes the entry
// through reportFailure rather than committing a half-formed decision.
type RefreshDoneHandler func(ctx context.Context, entry *model.ReflectionEntry, job jobservice.Job) (*RefreshDecision, error)

// DefaultRefreshDoneHandler builds the handler used when no collaborator is
// injected: it treats a build that produced refresh artifacts as an
// incremental refresh on the fixed field "refresh_field", and one that produced
// none as a full rebuild, recording the reflection's own dataset as its
// only known dependency. A real deployment's SQL layer plans refreshes and
// would supply a handler that reports the dependencies it actually read.
func DefaultRefreshDoneHandler(datasets namespace.Service) RefreshDoneHandler {
	return func(ctx context.Context, entry *model.ReflectionEntry, job jobservice.Job) (*RefreshDecision, error) {
		ds, err := datasets.FindDatasetByUUID(ctx, entry.DatasetID)
		if err != nil {
			return nil, err
		}

		method := "FULL"
		field := ""
		if len(job.Refreshes) > 0 {
			method = "INCREMENTAL"
			field = "refresh_field"
		}

		hash := entry.DatasetVersion
		if ds != nil {
			hash = ds.Version
		}

		return &RefreshDecision{
			RefreshMethod: method,
			RefreshField:  field,
			DatasetHash:   hash,
			Dependencies:  []string{entry.DatasetID},
			DontGiveUp:    entry.DontGiveUp,
		}, nil
	}
}
