package layer

import "fmt"

// Window is one layer's view into a Buffer: an offset into the shared
// allocation and the number of bytes that layer owns.
type Window struct {
	Off int
	Len int
}

// Buffer is a single allocation shared by every layer of a send path.
//
// Window 0 is the wire frame. Each window above it is a suffix of the one
// below, so the bytes between two consecutive windows are the header of the
// lower layer. Headers are reserved top to bottom by GetSendBuffer and written
// bottom to top as Send descends the cursor.
type Buffer struct {
	mem   []byte
	win   []Window
	cur   int
	alloc Allocator
}

// NewBuffer allocates a buffer of n bytes with a single wire window. It is
// meant for the bottom-most host of a stack; every host above narrows it with
// Reserve.
func NewBuffer(alloc Allocator, n int) (*Buffer, error) {
	if alloc == nil {
		alloc = DefaultAllocator
	}
	mem, err := alloc.Alloc(n)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		mem:   mem[:n],
		win:   []Window{{Off: 0, Len: n}},
		alloc: alloc,
	}, nil
}

// Reserve keeps hdr bytes of the current window for this layer's header and
// pushes a new window for the caller above. The cursor moves to the new window.
func (b *Buffer) Reserve(hdr int) error {
	top := b.win[len(b.win)-1]
	if hdr < 0 || hdr > top.Len {
		return fmt.Errorf("reserve %d of %d: %w", hdr, top.Len, ErrHeaderSpace)
	}
	b.win = append(b.win, Window{Off: top.Off + hdr, Len: top.Len - hdr})
	b.cur = len(b.win) - 1
	return nil
}

// Descend moves the cursor one layer toward the wire and returns the header
// area that layer must fill in.
func (b *Buffer) Descend() ([]byte, error) {
	if b.cur == 0 {
		return nil, ErrBottomLayer
	}
	upper := b.win[b.cur]
	b.cur--
	lower := b.win[b.cur]
	return b.mem[lower.Off:upper.Off], nil
}

// Ascend undoes a Descend after a failed send so the caller sees its own
// window again.
func (b *Buffer) Ascend() {
	if b.cur < len(b.win)-1 {
		b.cur++
	}
}

// Bytes returns the window at the cursor.
func (b *Buffer) Bytes() []byte {
	w := b.win[b.cur]
	return b.mem[w.Off : w.Off+w.Len]
}

// Layer returns the cursor position, 0 being the wire.
func (b *Buffer) Layer() int { return b.cur }

// Depth returns the number of windows in the buffer.
func (b *Buffer) Depth() int { return len(b.win) }

// Window returns the window for layer i.
func (b *Buffer) Window(i int) Window { return b.win[i] }

// SetLen shrinks the window at the cursor to n bytes. Every window below
// shrinks by the same amount so each one remains a suffix of the next.
func (b *Buffer) SetLen(n int) error {
	w := b.win[b.cur]
	if n < 0 || n > w.Len {
		return fmt.Errorf("set length %d of %d: %w", n, w.Len, ErrHeaderSpace)
	}
	delta := w.Len - n
	for i := 0; i < len(b.win); i++ {
		b.win[i].Len -= delta
		if b.win[i].Len < 0 {
			b.win[i].Len = 0
		}
	}
	return nil
}

func (b *Buffer) free() {
	if b.mem != nil {
		b.alloc.Free(b.mem)
		b.mem = nil
	}
}

// Free returns the buffer held in *bp to its allocator and clears the
// caller's pointer. It is the ReleaseUnsent primitive shared by all hosts.
func Free(bp **Buffer) {
	if bp == nil || *bp == nil {
		return
	}
	(*bp).free()
	*bp = nil
}
