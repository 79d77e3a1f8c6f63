package extentstore

import "github.com/dsnet/golib/memfile"

// memFile adapts dsnet/golib/memfile.File (an in-memory io.ReaderAt/
// io.WriterAt) to the narrow ReadAt/WriteAt pair MemStore needs, so a
// real os.File-backed implementation could be swapped in without
// touching MemStore's logic.
type memFile struct {
	f *memfile.File
}

func newMemFile(initial []byte) memFile {
	return memFile{f: memfile.New(initial)}
}

func (m memFile) ReadAt(dst []byte, off int64) error {
	n, err := m.f.ReadAt(dst, off)
	if n == len(dst) {
		return nil
	}
	return err
}

func (m memFile) WriteAt(src []byte, off int64) error {
	_, err := m.f.WriteAt(src, off)
	return err
}
