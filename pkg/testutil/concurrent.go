package testutil

import (
	"sync"
	"sync/atomic"

	"github.com/jwalitptl/access-api/pkg/errors"
)

// ConcurrentResult counts the outcomes of a concurrent run.
type ConcurrentResult struct {
	Successes int32
	Conflicts int32
	Errors    int32
}

func (r *ConcurrentResult) Total() int32 {
	return r.Successes + r.Conflicts + r.Errors
}

// RunConcurrent runs fn in n goroutines released together and sorts the returned errors
// into conflicts and everything else.
func RunConcurrent(n int, fn func(idx int) error) *ConcurrentResult {
	var wg sync.WaitGroup
	var successes, conflicts, errs atomic.Int32
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			err := fn(idx)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, errors.ErrConflict):
				conflicts.Add(1)
			default:
				errs.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	return &ConcurrentResult{
		Successes: successes.Load(),
		Conflicts: conflicts.Load(),
		Errors:    errs.Load(),
	}
}
