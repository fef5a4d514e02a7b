// Package devnode binds block device numbers to device node paths.
package devnode

// Binder creates and removes block special files. The zero value is ready
// to use.
type Binder struct{}

// New returns a Binder.
func New() *Binder {
	return &Binder{}
}
