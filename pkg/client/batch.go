package client

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DeleteResult is the outcome of one delete in a batch.
type DeleteResult struct {
	Name string
	Err  error
}

// Progress is called after each request of a batch completes.
type Progress func(done, total int)

// DeleteMany sends exactly one delete request per name, in parallel up to the
// client's concurrency. Every request is sent whatever the outcome of the
// others; results are in the order of names.
func (c *Client) DeleteMany(ctx context.Context, names []string, progress Progress) []DeleteResult {
	results := make([]DeleteResult, len(names))

	var mu sync.Mutex
	done := 0

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, name := range names {
		g.Go(func() error {
			err := c.Delete(ctx, name)
			results[i] = DeleteResult{Name: name, Err: err}

			mu.Lock()
			done++
			if progress != nil {
				progress(done, len(names))
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// Failed returns the failed results of a batch.
func Failed(results []DeleteResult) []DeleteResult {
	var out []DeleteResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
