package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/pulsereader/internal/framing"
	"github.com/banshee-data/pulsereader/internal/packet"
	"github.com/banshee-data/pulsereader/internal/security"
)

// FileOptions configure a FileBackend. Exactly one of Files (archive mode)
// or Dir (realtime mode) must be set.
type FileOptions struct {
	Options

	// Files are read in order; the backend returns io.EOF after the last.
	Files []string

	// Dir is polled for new files, which are picked up in name order. The
	// newest file is followed as it grows. Realtime mode never returns
	// io.EOF.
	Dir string

	// PcapPort selects the TCP source port whose payload is replayed from
	// .pcap files. Zero accepts every TCP segment.
	PcapPort int
}

// FileBackend reads envelopes from files.
type FileBackend struct {
	base
	files    []string
	dir      string
	pcapPort int

	idx     int // index into files of the open file, -1 before the first
	current string
	f       *os.File
	src     *framing.ReaderSource
	framer  *framing.Framer
	changed bool
}

// NewFileBackend validates opts. Files are opened lazily.
func NewFileBackend(opts FileOptions) (*FileBackend, error) {
	if (len(opts.Files) == 0) == (opts.Dir == "") {
		return nil, errors.New("file backend needs either a file list or a directory")
	}
	if opts.Dir != "" {
		st, err := os.Stat(opts.Dir)
		if err != nil {
			return nil, fmt.Errorf("realtime directory: %w", err)
		}
		if !st.IsDir() {
			return nil, fmt.Errorf("realtime directory %s is not a directory", opts.Dir)
		}
	}
	b := &FileBackend{
		base:     newBase(opts.Options, "file"),
		files:    append([]string(nil), opts.Files...),
		dir:      opts.Dir,
		pcapPort: opts.PcapPort,
		idx:      -1,
	}
	return b, nil
}

func (b *FileBackend) realtime() bool { return b.dir != "" }

// FileChanged reports whether the last envelope came from a different file
// than the one before it.
func (b *FileBackend) FileChanged() bool { return b.changed }

// CurrentFile returns the path of the file being read.
func (b *FileBackend) CurrentFile() string { return b.current }

// NextEnvelope implements Backend.
func (b *FileBackend) NextEnvelope(ctx context.Context) (*packet.Envelope, error) {
	b.changed = false
	w := b.newWait("waiting for data in " + b.describe())
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if b.framer == nil {
			opened, err := b.openNext()
			if err != nil {
				return nil, err
			}
			if !opened {
				if err := w.pause(ctx, b.opts.PollInterval); err != nil {
					return nil, err
				}
				continue
			}
		}

		env, err := b.framer.Next()
		var rerr *framing.ResyncError
		switch {
		case err == nil:
			if !b.accept(env) {
				continue
			}
			return env, nil
		case errors.Is(err, packet.ErrSchema):
			b.logf("%s: discarding envelope: %v", b.current, err)
			b.opts.Stats.AddSchemaError()
		case errors.Is(err, errWouldBlock), errors.Is(err, io.EOF) && b.realtime():
			newer, lerr := b.newerFileExists()
			if lerr != nil {
				return nil, lerr
			}
			if newer {
				if n := b.src.Buffered(); n > 0 {
					b.logf("%s: %d trailing bytes left unframed", b.current, n)
				}
				b.closeCurrent()
				continue
			}
			if err := w.pause(ctx, b.opts.PollInterval); err != nil {
				return nil, err
			}
		case errors.Is(err, io.EOF):
			b.closeCurrent()
			if b.idx+1 >= len(b.files) {
				return nil, io.EOF
			}
		case errors.As(err, &rerr):
			name := b.current
			b.closeCurrent()
			if !b.realtime() && b.idx+1 >= len(b.files) {
				return nil, fmt.Errorf("%s: %w: %w", name, io.EOF, rerr)
			}
			b.logf("%s: %v; moving to next file", name, err)
		default:
			return nil, fmt.Errorf("read %s: %w", b.current, err)
		}
	}
}

func (b *FileBackend) describe() string {
	if b.realtime() {
		return b.dir
	}
	return fmt.Sprintf("%d archive files", len(b.files))
}

// openNext opens the next file to read. It returns false when realtime
// mode has nothing new yet.
func (b *FileBackend) openNext() (bool, error) {
	if b.realtime() {
		names, err := listDir(b.dir)
		if err != nil {
			return false, err
		}
		b.files = names
		next := b.nextRealtimeIndex()
		if next < 0 {
			return false, nil
		}
		b.idx = next
	} else {
		if b.idx+1 >= len(b.files) {
			return false, io.EOF
		}
		b.idx++
	}
	return true, b.open(b.files[b.idx])
}

// nextRealtimeIndex picks the file after the current one, or the newest
// file when nothing has been read yet.
func (b *FileBackend) nextRealtimeIndex() int {
	if len(b.files) == 0 {
		return -1
	}
	if b.current == "" {
		return len(b.files) - 1
	}
	for i, name := range b.files {
		if name > b.current {
			return i
		}
	}
	return -1
}

func (b *FileBackend) newerFileExists() (bool, error) {
	if !b.realtime() {
		return false, nil
	}
	names, err := listDir(b.dir)
	if err != nil {
		return false, err
	}
	return len(names) > 0 && names[len(names)-1] > b.current, nil
}

func (b *FileBackend) open(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	var r io.Reader = f
	followable := true
	if isPcap(path) {
		ps, err := newPcapStream(f, b.pcapPort)
		if err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", path, err)
		}
		r = ps
		followable = false
	}
	b.f = f
	b.src = framing.NewReaderSource(r)
	if b.realtime() && followable {
		b.src.EOFErr = errWouldBlock
	}
	b.framer = framing.NewFramer(b.src, b.framingOptions())
	if b.current != "" {
		b.changed = true
	}
	b.current = path
	b.logf("reading %s", path)
	return nil
}

func (b *FileBackend) closeCurrent() {
	if b.f != nil {
		b.f.Close()
	}
	b.f, b.src, b.framer = nil, nil, nil
}

// Reset rewinds to the first archive file, or to the start of the newest
// file in realtime mode.
func (b *FileBackend) Reset(ctx context.Context) error {
	b.closeCurrent()
	b.idx = -1
	b.current = ""
	b.changed = false
	b.resetSeqs()
	return nil
}

// SeekToEnd skips to the end of the newest data: the end of the newest
// file in realtime mode, or past the last archive file.
func (b *FileBackend) SeekToEnd(ctx context.Context) error {
	if !b.realtime() {
		b.closeCurrent()
		b.idx = len(b.files) - 1
		return nil
	}
	b.closeCurrent()
	names, err := listDir(b.dir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	b.files = names
	b.idx = len(names) - 1
	if err := b.open(names[b.idx]); err != nil {
		return err
	}
	if _, err := b.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek %s: %w", b.current, err)
	}
	return nil
}

// Close releases the open file.
func (b *FileBackend) Close() error {
	b.closeCurrent()
	return nil
}

// listDir returns the non-hidden files in dir sorted by name. Symlinks
// are followed only when they resolve to a regular file inside dir.
func listDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch {
		case e.Type().IsRegular():
		case e.Type()&fs.ModeSymlink != 0:
			if security.ValidatePathWithinDirectory(path, dir) != nil {
				continue
			}
			if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
				continue
			}
		default:
			continue
		}
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}
