// Package scheduler gates how many task attempts run at once.
//
// A Scheduler hands out a fixed number of worker slots. WithSlot blocks
// until a slot is free (or the context ends), runs the function, and
// always returns the slot, even if the function panics. Waiters are
// admitted in FIFO order.
package scheduler
