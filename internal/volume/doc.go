// Package volume implements the lifecycle of a private encrypted storage
// volume backed by a raw block device.
//
// # Lifecycle
//
// Every volume kind is built on [Base], which owns the shared bookkeeping
// (identity, state, path, listener, child volumes) and drives a [Hooks]
// implementation through the state machine:
//
//	Create → [Format] → Mount → (PostMount) → Unmount → Destroy
//
// State transitions:
//
//	unmounted ──Mount──▶ checking ──ok──▶ mounted ──Unmount──▶ ejecting ──▶ unmounted
//	                        │
//	                        └──fail──▶ unmountable
//	unmounted|unmountable ──Format──▶ formatting ──▶ unmounted
//	any ──Destroy──▶ removed (or bad_removal when destroyed while mounted)
//
// # Private volumes
//
// [Private] binds a device node for the raw device, maps it through
// dm-crypt, and mounts the ext4 or f2fs filesystem found on the mapped
// device under <mount root>/<fs uuid> with a fixed directory layout. After a
// successful mount one [Emulated] child is stacked on the media directory
// for every started user; children are destroyed by [Base.Unmount] before
// the private volume itself unmounts.
//
// Mapping removal is retried while the kernel reports the device busy, and
// the mapped device is polled until it appears. Both loops are bounded and
// sleep the calling goroutine.
//
// # Errors
//
// Failures of device, mapping, check, mount and format steps are reported as
// [*OpError], which matches [ErrIO] with errors.Is. An unsupported explicit
// filesystem type for Format is errdefs.ErrInvalidArgument, and calls made in
// the wrong lifecycle state are errdefs.ErrFailedPrecondition.
package volume
