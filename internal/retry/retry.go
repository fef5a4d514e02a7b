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

// Package retry runs an operation under a bounded retry policy with a
// constant delay between attempts.
//
// The loop sleeps the calling goroutine and does not observe a context.
// Once started it runs until the operation succeeds or the policy gives up.
package retry

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded retry loop.
type Policy struct {
	// Attempts is the total number of times the operation runs, including
	// the first one. Values below 1 are treated as 1.
	Attempts int
	// Delay is the pause between two consecutive attempts.
	Delay time.Duration
	// Retryable reports whether a failed attempt may be retried.
	// A nil Retryable retries every error.
	Retryable func(error) bool
	// Timer replaces the timer used to wait between attempts. Tests use it
	// to avoid sleeping.
	Timer backoff.Timer
	// Notify is called after every failed attempt that will be retried,
	// with the 1-based number of that attempt.
	Notify func(err error, attempt int)
}

// Do runs op until it succeeds or the policy gives up. The error of the last
// attempt is returned unchanged.
func (p Policy) Do(op func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(attempts-1))

	attempt := 0
	operation := func() error {
		attempt++
		err := op()
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if p.Notify != nil {
			p.Notify(err, attempt)
		}
	}
	return backoff.RetryNotifyWithTimer(operation, b, notify, p.Timer)
}

// On returns a Retryable predicate that matches any of the given errors
// anywhere in the chain.
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}
