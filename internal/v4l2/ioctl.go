//go:build linux

package v4l2

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl is the one syscall primitive everything else in this package goes
// through: raw SYS_IOCTL via golang.org/x/sys/unix, no cgo. We use its
// Syscall wrapper instead of the standard library's syscall package so every
// raw syscall in this tree goes through one import.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
