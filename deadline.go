// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package frontdoor

import (
	"time"
)

// deadline is a cancellable timer bound to a Loop.
//
// Expiry is posted onto the Loop and only acted upon if the deadline was
// neither canceled nor re-armed in the meantime, so a timer that fires
// after cancel() has no observable effect.
type deadline struct {
	loop  *Loop
	timer *time.Timer
	gen   uint64 // bumped on every schedule and cancel
	armed bool
}

func makeDeadline(loop *Loop) deadline {
	return deadline{loop: loop}
}

// schedule arms the deadline to call expired on the Loop after dur.
// Any previously armed deadline is canceled first.
func (d *deadline) schedule(dur time.Duration, expired func()) {
	d.cancel()
	d.armed = true
	gen := d.gen
	d.timer = time.AfterFunc(dur, func() {
		d.loop.Post(func() {
			if d.armed && d.gen == gen {
				d.armed = false
				d.timer = nil
				expired()
			}
		})
	})
}

// cancel disarms the deadline. It returns true if it was armed.
func (d *deadline) cancel() (wasArmed bool) {
	wasArmed = d.armed
	d.gen++
	d.armed = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return
}

// isArmed returns true if the deadline will fire unless canceled.
func (d *deadline) isArmed() bool {
	return d.armed
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
