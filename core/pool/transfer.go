package pool

import (
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/sandvfs/sandvfs/core/codes"
)

// transferChunkSize bounds per-step copies so large files stream
// without being held in memory whole.
const transferChunkSize = 64 * 1024

// ChunkProducer is a pull-based source of byte chunks. Each call
// returns the next chunk; done=true signals end-of-data (the final call
// may carry both a last chunk and done). Termination is an explicit
// signal, never an error.
type ChunkProducer func() (chunk []byte, done bool, err error)

// BytesProducer adapts a whole in-memory buffer to a ChunkProducer.
func BytesProducer(data []byte) ChunkProducer {
	delivered := false
	return func() ([]byte, bool, error) {
		if delivered {
			return nil, true, nil
		}
		delivered = true
		return data, true, nil
	}
}

// ReaderProducer adapts an io.Reader to a ChunkProducer.
func ReaderProducer(r io.Reader) ChunkProducer {
	return func() ([]byte, bool, error) {
		buf := make([]byte, transferChunkSize)
		n, err := r.Read(buf)
		if err == io.EOF {
			return buf[:n], true, nil
		}
		if err != nil {
			return nil, false, err
		}
		return buf[:n], false, nil
	}
}

// ExportBytes copies the full content of the slot associated with name
// into a fresh buffer.
func (p *Pool) ExportBytes(name string) ([]byte, error) {
	name = normalizeName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkActive("export"); err != nil {
		return nil, err
	}
	slot, ok := p.byName[name]
	if !ok {
		return nil, codes.New(codes.NotFound, "export", name, nil)
	}
	raw, err := slot.handle.Size()
	if err != nil {
		return nil, err
	}
	size := raw - headerSize
	if size <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := slot.handle.ReadAt(buf, headerSize)
	if err != nil {
		return nil, err
	}
	if int64(n) != size {
		return nil, codes.New(codes.IOErr, "export", name,
			fmt.Errorf("short read: %d of %d bytes", n, size))
	}
	return buf, nil
}

// ImportBytes replaces the content of name with data, associating a
// slot if needed. Returns the byte count written.
func (p *Pool) ImportBytes(name string, data []byte) (int64, error) {
	return p.ImportChunks(name, BytesProducer(data))
}

// ImportChunks streams content for name from a pull-based producer.
// The slot is truncated first; the returned total equals the sum of all
// chunk lengths. On a producer error the association is released so a
// partial import never masquerades as a file.
func (p *Pool) ImportChunks(name string, next ChunkProducer) (int64, error) {
	name = normalizeName(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkActive("import"); err != nil {
		return 0, err
	}
	if next == nil {
		return 0, codes.New(codes.Misuse, "import", name, fmt.Errorf("nil chunk producer"))
	}
	slot, err := p.acquireLocked(name, true)
	if err != nil {
		return 0, err
	}
	fresh := func() {
		if rerr := slot.reset(); rerr == nil {
			delete(p.byName, name)
		}
	}

	if err := slot.handle.Truncate(headerSize); err != nil {
		return 0, err
	}
	var total int64
	for {
		chunk, done, err := next()
		if err != nil {
			fresh()
			return total, codes.New(codes.IOErr, "import", name, err)
		}
		if len(chunk) > 0 {
			if _, err := slot.handle.WriteAt(chunk, headerSize+total); err != nil {
				fresh()
				return total, err
			}
			total += int64(len(chunk))
		}
		if done {
			break
		}
	}
	if err := slot.handle.Flush(); err != nil {
		fresh()
		return total, err
	}
	return total, nil
}

// ExportArchive writes the xz-compressed content of name to w.
func (p *Pool) ExportArchive(name string, w io.Writer) error {
	data, err := p.ExportBytes(name)
	if err != nil {
		return err
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return codes.New(codes.IOErr, "export archive", name, err)
	}
	if _, err := xw.Write(data); err != nil {
		return codes.New(codes.IOErr, "export archive", name, err)
	}
	if err := xw.Close(); err != nil {
		return codes.New(codes.IOErr, "export archive", name, err)
	}
	return nil
}

// ImportArchive streams xz-compressed content from r into name and
// returns the decompressed byte count written.
func (p *Pool) ImportArchive(name string, r io.Reader) (int64, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return 0, codes.New(codes.IOErr, "import archive", name, err)
	}
	return p.ImportChunks(name, ReaderProducer(xr))
}
