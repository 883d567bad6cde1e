package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status struct {
	OK      bool              `json:"ok"`
	Message string            `json:"message,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Check probes one dependency. A nil error means healthy.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Postgres(p Pinger) Check {
	return Check{Name: "database", Fn: p.Ping}
}

func Redis(rdb redis.UniversalClient) Check {
	return Check{Name: "redis", Fn: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }}
}

// Depther is satisfied by every channel.Channel.
type Depther interface {
	Name() string
	Depth(ctx context.Context) (int, error)
}

func Channel(ch Depther) Check {
	return Check{Name: "channel:" + ch.Name(), Fn: func(ctx context.Context) error {
		_, err := ch.Depth(ctx)
		return err
	}}
}

// Run executes all checks concurrently, each bounded by timeout.
func Run(ctx context.Context, timeout time.Duration, checks ...Check) Status {
	st := Status{OK: true, Message: "ok"}
	if len(checks) == 0 {
		return st
	}
	st.Checks = make(map[string]string, len(checks))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result := "ok"
			if err := c.Fn(cctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			st.Checks[c.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	var failed []string
	for name, result := range st.Checks {
		if result != "ok" {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		st.OK = false
		st.Message = failed[0] + " check failed"
		if len(failed) > 1 {
			st.Message = "multiple checks failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Run(r.Context(), time.Second, checks...)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
