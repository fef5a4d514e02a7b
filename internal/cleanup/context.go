/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cleanup runs teardown work that must finish after the caller's
// context has been cancelled.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"
)

// cleanupTimeout bounds every teardown run.
const cleanupTimeout = 10 * time.Second

// Do runs do with a context that keeps the values of ctx, ignores its
// cancellation and expires after cleanupTimeout.
func Do(ctx context.Context, do func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	do(ctx)
	cancel()
}

type step struct {
	name string
	fn   func(context.Context) error
}

// Stack collects undo steps as a setup sequence makes progress and runs them
// newest first. The zero value is ready to use.
type Stack struct {
	steps []step
}

// Push registers fn to undo the step called name.
func (s *Stack) Push(name string, fn func(context.Context) error) {
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// Len returns the number of pending steps.
func (s *Stack) Len() int { return len(s.steps) }

// Release drops every pending step without running it.
func (s *Stack) Release() {
	s.steps = nil
}

// Unwind runs the pending steps in reverse order inside Do. Every step runs
// even when an earlier one fails; the failures are joined.
func (s *Stack) Unwind(ctx context.Context) error {
	var errs []error
	Do(ctx, func(ctx context.Context) {
		for i := len(s.steps) - 1; i >= 0; i-- {
			st := s.steps[i]
			if err := st.fn(ctx); err != nil {
				log.G(ctx).WithError(err).WithField("step", st.name).Warn("cleanup step failed")
				errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			}
		}
	})
	s.steps = nil
	return errors.Join(errs...)
}
