package hashdb

import (
	"encoding/binary"
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	walSuffix     = ".wal"
	walHeaderSize = 3 + 8
)

// walFile is the write-ahead log companion of a data file. The first 256 KiB
// are mmapped so small transactions never hit positional I/O; messages past
// the prefix fall back to pwrite.
//
// Layout: magic "KW\n", the original logical size as a big-endian 64-bit
// number, then pre-image messages (0xEE | off BE64 | size BE64 | bytes) and
// a single 0x00 trailer. Each append overwrites the previous trailer and
// writes a new one, so a torn tail is detectable.
type walFile struct {
	fd   int
	path string
	mmap []byte
	size int64 // bytes in use, excluding the trailer
}

// walMessage is one captured pre-image.
type walMessage struct {
	off  int64
	body []byte
}

// openWAL opens or creates the WAL file and maps its prefix.
func openWAL(path string) (*walFile, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return nil, newErrorf(ErrSystem, "open wal %s: %v", path, err)
	}

	var stat syscall.Stat_t

	statErr := syscall.Fstat(fd, &stat)
	if statErr != nil {
		_ = syscall.Close(fd)

		return nil, newErrorf(ErrSystem, "stat wal: %v", statErr)
	}

	// Keep the mapped prefix backed by real file pages.
	if stat.Size < walMapSize {
		truncErr := syscall.Ftruncate(fd, walMapSize)
		if truncErr != nil {
			_ = syscall.Close(fd)

			return nil, newErrorf(ErrSystem, "truncate wal: %v", truncErr)
		}
	}

	data, mmapErr := syscall.Mmap(fd, 0, walMapSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if mmapErr != nil {
		_ = syscall.Close(fd)

		return nil, newErrorf(ErrSystem, "mmap wal: %v", mmapErr)
	}

	w := &walFile{fd: fd, path: path, mmap: data}
	w.size = w.scanSize(stat.Size)

	return w, nil
}

// scanSize finds the end of the recorded messages by walking the frames.
func (w *walFile) scanSize(fileSize int64) int64 {
	if fileSize < walHeaderSize || string(w.mmap[:3]) != walMagic {
		return 0
	}

	pos := int64(walHeaderSize)

	for pos < fileSize {
		head := make([]byte, 17)

		err := w.readAt(head, pos)
		if err != nil || head[0] != walMsgHead {
			return pos
		}

		bodySize := int64(binary.BigEndian.Uint64(head[9:17]))
		if bodySize < 0 || pos+17+bodySize > fileSize {
			return pos
		}

		pos += 17 + bodySize
	}

	return pos
}

// writeHeader starts a fresh log recording the logical size to roll back to.
func (w *walFile) writeHeader(originalSize int64) error {
	buf := make([]byte, walHeaderSize+1)
	copy(buf, walMagic)
	binary.BigEndian.PutUint64(buf[3:], uint64(originalSize))
	buf[walHeaderSize] = 0x00

	err := w.writeAt(buf, 0)
	if err != nil {
		return err
	}

	w.size = walHeaderSize

	return nil
}

// writeMessage appends one pre-image frame plus a fresh trailer.
func (w *walFile) writeMessage(off int64, body []byte) error {
	buf := make([]byte, 17+len(body)+1)
	buf[0] = walMsgHead
	binary.BigEndian.PutUint64(buf[1:], uint64(off))
	binary.BigEndian.PutUint64(buf[9:], uint64(len(body)))
	copy(buf[17:], body)
	buf[len(buf)-1] = 0x00

	err := w.writeAt(buf, w.size)
	if err != nil {
		return err
	}

	w.size += int64(len(buf) - 1)

	return nil
}

// readMessages parses the log and returns the captured pre-images in write
// order plus the original logical size. A torn tail ends the scan without
// error so recovery can apply the intact prefix.
func (w *walFile) readMessages() ([]walMessage, int64, error) {
	head := make([]byte, walHeaderSize)

	err := w.readAt(head, 0)
	if err != nil {
		return nil, 0, err
	}

	if string(head[:3]) != walMagic {
		return nil, 0, newError(ErrBroken, "wal magic mismatch")
	}

	orig := int64(binary.BigEndian.Uint64(head[3:]))

	var (
		stat syscall.Stat_t
		msgs []walMessage
	)

	statErr := syscall.Fstat(w.fd, &stat)
	if statErr != nil {
		return nil, 0, newErrorf(ErrSystem, "stat wal: %v", statErr)
	}

	pos := int64(walHeaderSize)

	for pos+17 <= stat.Size {
		frame := make([]byte, 17)

		readErr := w.readAt(frame, pos)
		if readErr != nil {
			break
		}

		if frame[0] != walMsgHead {
			break
		}

		off := int64(binary.BigEndian.Uint64(frame[1:9]))
		bodySize := int64(binary.BigEndian.Uint64(frame[9:17]))

		if bodySize < 0 || off < 0 || pos+17+bodySize > stat.Size {
			break
		}

		body := make([]byte, bodySize)

		readErr = w.readAt(body, pos+17)
		if readErr != nil {
			break
		}

		msgs = append(msgs, walMessage{off: off, body: body})
		pos += 17 + bodySize
	}

	return msgs, orig, nil
}

// clear wipes the log after a committed transaction. The mapped prefix is
// zeroed; a log that grew past the prefix is truncated back.
func (w *walFile) clear() error {
	zeroEnd := w.size + 1
	if zeroEnd > walMapSize {
		zeroEnd = walMapSize
	}

	for i := range w.mmap[:zeroEnd] {
		w.mmap[i] = 0
	}

	if w.size+1 > walMapSize {
		err := syscall.Ftruncate(w.fd, walMapSize)
		if err != nil {
			return newErrorf(ErrSystem, "truncate wal: %v", err)
		}
	}

	w.size = 0

	return nil
}

// sync pushes the log to the device.
func (w *walFile) sync() error {
	err := unix.Msync(w.mmap, unix.MS_SYNC)
	if err != nil {
		return newErrorf(ErrSystem, "msync wal: %v", err)
	}

	fsyncErr := unix.Fdatasync(w.fd)
	if fsyncErr != nil {
		return newErrorf(ErrSystem, "fsync wal: %v", fsyncErr)
	}

	return nil
}

func (w *walFile) close() error {
	var firstErr error

	if w.mmap != nil {
		err := syscall.Munmap(w.mmap)
		if err != nil {
			firstErr = newErrorf(ErrSystem, "munmap wal: %v", err)
		}

		w.mmap = nil
	}

	err := syscall.Close(w.fd)
	if err != nil && firstErr == nil {
		firstErr = newErrorf(ErrSystem, "close wal: %v", err)
	}

	w.fd = -1

	return firstErr
}

// writeAt stores buf at off through the map when possible.
func (w *walFile) writeAt(buf []byte, off int64) error {
	if off+int64(len(buf)) <= walMapSize {
		copy(w.mmap[off:], buf)

		return nil
	}

	for len(buf) > 0 {
		n, err := syscall.Pwrite(w.fd, buf, off)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return newErrorf(ErrSystem, "pwrite wal at %d: %v", off, err)
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}

// readAt fills buf from off through the map when possible.
func (w *walFile) readAt(buf []byte, off int64) error {
	if off+int64(len(buf)) <= walMapSize {
		copy(buf, w.mmap[off:])

		return nil
	}

	for len(buf) > 0 {
		n, err := syscall.Pread(w.fd, buf, off)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return newErrorf(ErrSystem, "pread wal at %d: %v", off, err)
		}

		if n == 0 {
			return newErrorf(ErrSystem, "pread wal at %d: unexpected end of file", off)
		}

		buf = buf[n:]
		off += int64(n)
	}

	return nil
}
