package iuwt

import (
	"runtime"
	"sync"
)

// parallelFor runs fn(y) over y in [0, n) using up to workers
// goroutines. Work is distributed by striding to balance uneven
// workloads. workers <= 0 means GOMAXPROCS.
func parallelFor(n, workers int, fn func(y int)) {
	if n <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		for y := 0; y < n; y++ {
			fn(y)
		}
		return
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		w := w
		go func() {
			defer wg.Done()
			for y := w; y < n; y += workers {
				fn(y)
			}
		}()
	}
	wg.Wait()
}
