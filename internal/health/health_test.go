package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCheckAll_EmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry(0)
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("a server with no registered dependencies is ready")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestCheckAll_AllDependenciesUp(t *testing.T) {
	r := NewRegistry(0)
	r.Register("database", func(ctx context.Context) error { return nil })
	r.Register("queue", func(ctx context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all probes passing must report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "queue" {
		t.Fatalf("statuses must follow registration order, got %s, %s", statuses[0].Name, statuses[1].Name)
	}
}

func TestCheckAll_QueueDownDegradesReadiness(t *testing.T) {
	r := NewRegistry(0)
	r.Register("database", func(ctx context.Context) error { return nil })
	r.Register("queue", func(ctx context.Context) error {
		return errors.New("dial tcp 127.0.0.1:6379: connection refused")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing dependency must degrade readiness")
	}
	if statuses[0].Healthy != true || statuses[1].Healthy != false {
		t.Fatalf("per-dependency health wrong: %+v", statuses)
	}
	if statuses[1].Detail == "" {
		t.Fatal("failing probe must surface its error detail")
	}
}

func TestCheckAll_HungProbeTimesOut(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("database", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	done := make(chan bool, 1)
	go func() {
		healthy, _ := r.CheckAll(context.Background())
		done <- healthy
	}()

	select {
	case healthy := <-done:
		if healthy {
			t.Fatal("a probe that never answers must count as unhealthy")
		}
	case <-time.After(time.Second):
		t.Fatal("CheckAll stalled on a hung probe")
	}
}

func TestRegister_ReplacesByName(t *testing.T) {
	r := NewRegistry(0)
	r.Register("database", func(ctx context.Context) error { return errors.New("down") })
	r.Register("database", func(ctx context.Context) error { return nil })

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 1 {
		t.Fatalf("re-registering a name must replace, not append: healthy=%v n=%d", healthy, len(statuses))
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("queue", func(ctx context.Context) error { return nil })
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
