package boot

import (
	"defs"
	"proc"
	"vmspace"
)

// textBase is where ImageLoader maps a program's image, an arbitrary
// address below the stack region (spec.md §6's USERSTACK) with room to
// grow via sbrk.
const textBase = 0x1000

// Image is a minimal stand-in for an ELF executable: its image's raw bytes
// (loaded verbatim into read-write-execute pages at textBase — there is no
// section-by-section placement) and the entry offset within them. spec.md
// §1 names the ELF loader an external collaborator whose exact behavior
// this core assumes rather than implements; original_source/kern/syscall/
// execv.c itself never finishes this path either (it panics before
// reaching enter_new_process), so ImageLoader supplies just enough of one
// to drive fork/execv end to end in tests.
type Image struct {
	Code  []byte
	Entry uintptr
}

// ImageLoader implements proc.Loader over a fixed table of named images,
// registered ahead of time rather than read from a filesystem (there is no
// VFS in this core's scope).
type ImageLoader struct {
	images map[string]Image
}

// NewImageLoader builds a loader over the given path -> image table.
func NewImageLoader(images map[string]Image) *ImageLoader {
	return &ImageLoader{images: images}
}

var _ proc.Loader = (*ImageLoader)(nil)

// Load maps img.Code into as at textBase and reports the absolute entry
// address, satisfying proc.Loader for Execv (spec.md §4.6).
func (l *ImageLoader) Load(path string, as *vmspace.Vm_t) (uintptr, defs.Err_t) {
	img, ok := l.images[path]
	if !ok {
		return 0, -defs.ENOENT
	}
	if err := as.DefineRegion(textBase, len(img.Code), true, true, true); err != 0 {
		return 0, err
	}
	if len(img.Code) > 0 {
		if err := as.WriteUser(textBase, img.Code); err != 0 {
			return 0, err
		}
	}
	return textBase + img.Entry, 0
}
