// Package dmabuf defines the typed file-descriptor handle that stands in
// for a DMA-buf backed buffer as it moves from a client work item, through
// the Decoder, to the device's import queue. It does not allocate or map
// memory itself; the kernel/allocator side of DMA-buf is out of scope.
package dmabuf

// Handle wraps the file descriptor(s) backing one imported buffer. Most
// formats this core deals with use a single plane, so FDs typically has
// length 1, but multi-plane formats are represented uniformly.
type Handle struct {
	FDs []int
}

// Close releases the handle's ownership of its file descriptors. This core
// never owns the underlying memory (it is always borrowed from a client
// work item or a frame pool block), so Close only needs to forget the fds,
// not unmap or free anything.
func (h *Handle) Close() {
	h.FDs = nil
}

// Valid reports whether the handle still carries at least one descriptor.
func (h Handle) Valid() bool {
	return len(h.FDs) > 0
}
