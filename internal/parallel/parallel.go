// Package parallel runs a fixed batch of independent calls with bounded concurrency.
package parallel

import "sync"

// Config controls how a batch of capability calls is scheduled.
type Config struct {
	Enabled       bool // false runs the batch sequentially
	MaxConcurrent int  // 0 = one goroutine per call
}

// DefaultConfig runs every call of a batch concurrently.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxConcurrent: 0,
	}
}

// Sequential returns a config that runs calls one at a time.
func Sequential() Config {
	return Config{Enabled: false, MaxConcurrent: 1}
}

// Map applies fn to every index in [0, n) and returns the results in index
// order regardless of completion order. It blocks until every call returns.
func Map[T any](cfg Config, n int, fn func(i int) T) []T {
	results := make([]T, n)
	if n == 0 {
		return results
	}

	if !cfg.Enabled || cfg.MaxConcurrent == 1 {
		for i := 0; i < n; i++ {
			results[i] = fn(i)
		}
		return results
	}

	limit := cfg.MaxConcurrent
	if limit <= 0 || limit > n {
		limit = n
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			results[idx] = fn(idx)
		}(i)
	}
	wg.Wait()

	return results
}
