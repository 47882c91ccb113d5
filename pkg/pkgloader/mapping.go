package pkgloader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Mapping is a read-only memory image of an update package.
type Mapping struct {
	data []byte
}

// MapFile maps the package at path. A path starting with '@' names a block
// map file describing where the package lives on a raw block device.
func MapFile(path string) (*Mapping, error) {
	if strings.HasPrefix(path, "@") {
		return mapBlocks(path[1:])
	}
	return mapFile(path)
}

func mapFile(path string) (*Mapping, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}
	if stat.Size <= 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	data, err := unix.Mmap(fd, 0, int(stat.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %s: %w", path, err)
	}
	return &Mapping{data: data}, nil
}

// blockRange is a half-open range of blocks on the device.
type blockRange struct {
	start, end uint64
}

// blockMap is the parsed form of a block map file:
//
//	/dev/block/by-name/userdata
//	49652 4096
//	2
//	1000 1008
//	2100 2112
type blockMap struct {
	device    string
	size      uint64
	blockSize uint64
	ranges    []blockRange
}

func parseBlockMap(r io.Reader) (*blockMap, error) {
	scanner := bufio.NewScanner(r)
	next := func(what string) (string, error) {
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("block map truncated before %s", what)
		}
		return strings.TrimSpace(scanner.Text()), nil
	}

	bm := &blockMap{}
	var err error
	if bm.device, err = next("device"); err != nil {
		return nil, err
	}
	if bm.device == "" {
		return nil, fmt.Errorf("block map has an empty device path")
	}

	line, err := next("size")
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Sscanf(line, "%d %d", &bm.size, &bm.blockSize); err != nil {
		return nil, fmt.Errorf("malformed size line %q: %w", line, err)
	}
	if bm.blockSize == 0 || bm.size == 0 {
		return nil, fmt.Errorf("malformed size line %q", line)
	}

	line, err = next("range count")
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(line)
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("malformed range count %q", line)
	}

	blocks := (bm.size + bm.blockSize - 1) / bm.blockSize
	var total uint64
	for i := 0; i < count; i++ {
		line, err := next("range")
		if err != nil {
			return nil, err
		}
		var br blockRange
		if _, err := fmt.Sscanf(line, "%d %d", &br.start, &br.end); err != nil {
			return nil, fmt.Errorf("malformed range %q: %w", line, err)
		}
		if br.end <= br.start {
			return nil, fmt.Errorf("empty or inverted range %q", line)
		}
		total += br.end - br.start
		bm.ranges = append(bm.ranges, br)
	}
	if total < blocks {
		return nil, fmt.Errorf("ranges cover %d blocks, package needs %d", total, blocks)
	}
	return bm, nil
}

func mapBlocks(mapPath string) (*Mapping, error) {
	f, err := os.Open(mapPath)
	if err != nil {
		return nil, fmt.Errorf("opening block map %s: %w", mapPath, err)
	}
	bm, err := parseBlockMap(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("parsing block map %s: %w", mapPath, err)
	}

	dev, err := os.Open(bm.device)
	if err != nil {
		return nil, fmt.Errorf("opening block device: %w", err)
	}
	defer dev.Close()

	// The package is reassembled in anonymous memory outside the Go heap.
	data, err := unix.Mmap(-1, 0, int(bm.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes: %w", bm.size, err)
	}

	var filled uint64
	for _, br := range bm.ranges {
		if filled >= bm.size {
			break
		}
		length := (br.end - br.start) * bm.blockSize
		if filled+length > bm.size {
			length = bm.size - filled
		}
		off := int64(br.start * bm.blockSize)
		if _, err := dev.ReadAt(data[filled:filled+length], off); err != nil {
			unix.Munmap(data)
			return nil, fmt.Errorf("reading blocks %d-%d: %w", br.start, br.end, err)
		}
		filled += length
	}

	if err := unix.Mprotect(data, unix.PROT_READ); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("sealing package image: %w", err)
	}
	return &Mapping{data: data}, nil
}

// Len returns the length of the mapping in bytes.
func (m *Mapping) Len() int64 {
	return int64(len(m.data))
}

// ReadAt reads from the mapping. Page faults caused by I/O errors on the
// backing storage are returned as errors instead of crashing the process.
func (m *Mapping) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}

	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("page fault reading package at offset %d: %v: %w", off, r, unix.EIO)
		}
	}()

	n = copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Unmap releases the mapping. Calling it again is a no-op.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
