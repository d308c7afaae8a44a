package darks

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/speetb/indi-allsky/fitsimg"
)

// Batch is the scoped on-disk store of the frames of one (condition,
// exposure) cycle.  It implements stack.Source.  Close removes everything.
type Batch struct {
	dir   string
	files []string
}

// NewBatch creates a batch directory under parent (os.TempDir() if empty)
func NewBatch(parent string) (*Batch, error) {
	dir, err := os.MkdirTemp(parent, "darks-")
	if err != nil {
		return nil, err
	}
	return &Batch{dir: dir}, nil
}

// Dir is the batch directory
func (b *Batch) Dir() string { return b.dir }

// Add stores a frame
func (b *Batch) Add(im *fitsimg.Image) error {
	path := filepath.Join(b.dir, fmt.Sprintf("frame_%04d.fit", len(b.files)))
	if err := fitsimg.WriteFile(path, im); err != nil {
		return err
	}
	b.files = append(b.files, path)
	return nil
}

// Len is the number of stored frames
func (b *Batch) Len() int { return len(b.files) }

// Frame reads frame i back from disk
func (b *Batch) Frame(i int) (*fitsimg.Image, error) {
	if i < 0 || i >= len(b.files) {
		return nil, fmt.Errorf("frame %d out of range [0,%d)", i, len(b.files))
	}
	return fitsimg.ReadFile(b.files[i])
}

// Close removes the batch directory and its contents
func (b *Batch) Close() error {
	b.files = nil
	return os.RemoveAll(b.dir)
}
