package orchestration

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BatchItem is the outcome of one request in RefinePosts.
type BatchItem struct {
	Request DocumentRequest
	Result  Result[string]
	Err     error
}

// RefinePosts refines each request independently, at most
// Policy.Concurrency at a time. Items come back in request order. A failed
// item does not cancel the others.
func (o *Orchestrator) RefinePosts(ctx context.Context, reqs []DocumentRequest) []BatchItem {
	items := make([]BatchItem, len(reqs))

	var g errgroup.Group
	g.SetLimit(o.policy.Concurrency)
	for i, req := range reqs {
		items[i].Request = req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				items[i].Err = err
				return nil
			}
			res, err := o.RefinePost(ctx, req)
			items[i].Result = res
			items[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return items
}
