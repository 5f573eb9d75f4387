package printer

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// defaultDevicePaths are probed in order when the configured path is absent.
// usblp enumerates printers under /dev/usb/lp*, older kernels under /dev/lp*.
var defaultDevicePaths = []string{
	"/dev/usb/lp0",
	"/dev/usb/lp1",
	"/dev/usb/lp2",
	"/dev/lp0",
	"/dev/lp1",
}

// CharDevice writes ZPL through the kernel usblp character device. Each send
// opens the node, writes, syncs and closes, so a printer unplugged between
// jobs is detected on the next open rather than poisoning a held descriptor.
type CharDevice struct {
	path string
}

// NewCharDevice returns a driver for the given device node. An empty path
// enables probing of the default usblp locations on every send.
func NewCharDevice(path string) *CharDevice {
	return &CharDevice{path: path}
}

func (d *CharDevice) Describe() string {
	if d.path != "" {
		return "usblp:" + d.path
	}
	return "usblp:auto"
}

func (d *CharDevice) Close() error { return nil }

// Send writes the payload to the device node. Failure classification:
// missing or unplugged node is NotPresent, an exclusively-held node is Busy,
// anything that fails mid-write is IOError.
func (d *CharDevice) Send(zpl []byte) Result {
	paths := defaultDevicePaths
	if d.path != "" {
		paths = append([]string{d.path}, defaultDevicePaths...)
	}

	var lastErr error
	for _, path := range paths {
		// usblp grants one holder at a time; a claimed node opens with EBUSY
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			lastErr = err
			if code, terminal := classifyOpenError(err); terminal {
				return Result{Code: code, Detail: fmt.Sprintf("%s: %v", path, err)}
			}
			continue
		}
		return d.write(f, path, zpl)
	}
	return Result{Code: NotPresent, Detail: fmt.Sprintf("no printer device found: %v", lastErr)}
}

func (d *CharDevice) write(f *os.File, path string, zpl []byte) Result {
	defer f.Close()

	for len(zpl) > 0 {
		n, err := f.Write(zpl)
		if err != nil {
			if isDisconnectErrno(err) {
				return Result{Code: NotPresent, Detail: fmt.Sprintf("%s: printer disconnected mid-write", path)}
			}
			return Result{Code: IOError, Detail: fmt.Sprintf("%s: %v", path, err)}
		}
		zpl = zpl[n:]
	}
	// usblp buffers writes; sync pushes the tail to the printer before close
	if err := f.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return Result{Code: IOError, Detail: fmt.Sprintf("%s: sync: %v", path, err)}
	}
	return Result{Code: OK}
}

// classifyOpenError maps an open failure to a result code. terminal=false
// means the caller should try the next candidate path.
func classifyOpenError(err error) (code Code, terminal bool) {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO):
		return NotPresent, false
	case errors.Is(err, syscall.EBUSY):
		// another process holds the node; don't steal a sibling path
		return Busy, true
	case errors.Is(err, os.ErrPermission):
		return IOError, true
	}
	return IOError, false
}

func isDisconnectErrno(err error) bool {
	return errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ESHUTDOWN)
}
