package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	t.Run("executes function", func(t *testing.T) {
		var called bool
		Do(context.Background(), func(ctx context.Context) {
			called = true
		})
		if !called {
			t.Error("function was not called")
		}
	})

	t.Run("provides timeout context", func(t *testing.T) {
		Do(context.Background(), func(ctx context.Context) {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Error("expected context to have deadline")
				return
			}
			remaining := time.Until(deadline)
			if remaining <= 0 || remaining > 11*time.Second {
				t.Errorf("deadline should be ~10s in future, got %v", remaining)
			}
		})
	})

	t.Run("clears parent cancellation", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel() // Cancel the parent

		Do(canceled, func(ctx context.Context) {
			if ctx.Err() != nil {
				t.Errorf("expected clean context, got error: %v", ctx.Err())
			}
		})
	})

	t.Run("clears parent deadline", func(t *testing.T) {
		expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Hour))
		defer cancel()

		Do(expired, func(ctx context.Context) {
			if ctx.Err() != nil {
				t.Errorf("expected clean context despite expired parent, got: %v", ctx.Err())
			}
		})
	})

	t.Run("preserves values from parent", func(t *testing.T) {
		type key struct{}
		parent := context.WithValue(context.Background(), key{}, "test-value")

		Do(parent, func(ctx context.Context) {
			if v := ctx.Value(key{}); v != "test-value" {
				t.Errorf("expected value to be preserved, got %v", v)
			}
		})
	})
}

func TestStackUnwind(t *testing.T) {
	var order []string
	var s Stack
	for _, name := range []string{"node", "mapping", "mount"} {
		s.Push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}
	if err := s.Unwind(context.Background()); err != nil {
		t.Fatalf("Unwind: %v", err)
	}
	want := []string{"mount", "mapping", "node"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if s.Len() != 0 {
		t.Errorf("steps left after Unwind: %d", s.Len())
	}
}

func TestStackUnwindContinuesAfterFailure(t *testing.T) {
	errBusy := errors.New("busy")
	var ran []string
	var s Stack
	s.Push("first", func(context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	s.Push("second", func(context.Context) error {
		ran = append(ran, "second")
		return errBusy
	})

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Unwind(canceled)
	if !errors.Is(err, errBusy) {
		t.Fatalf("Unwind error = %v, want %v", err, errBusy)
	}
	if len(ran) != 2 {
		t.Errorf("ran = %v, want both steps", ran)
	}
}

func TestStackRelease(t *testing.T) {
	var s Stack
	s.Push("never", func(context.Context) error {
		t.Error("released step ran")
		return nil
	})
	s.Release()
	if err := s.Unwind(context.Background()); err != nil {
		t.Fatal(err)
	}
}
