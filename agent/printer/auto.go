package printer

// Auto prefers the usblp character device and falls back to raw USB only when
// no device node answers. Busy and I/O failures on the node are reported as-is
// rather than retried over raw USB, since the node existing means the kernel
// driver owns the printer.
type Auto struct {
	chardev *CharDevice
	usb     *USBDevice
}

// NewAuto builds the combined driver. path and vendor/product follow the same
// zero-value conventions as the underlying drivers.
func NewAuto(path string, vendor, product uint16) *Auto {
	return &Auto{
		chardev: NewCharDevice(path),
		usb:     NewUSBDevice(vendor, product),
	}
}

func (a *Auto) Describe() string { return a.chardev.Describe() + "," + a.usb.Describe() }

func (a *Auto) Close() error {
	a.chardev.Close()
	return a.usb.Close()
}

func (a *Auto) Send(zpl []byte) Result {
	res := a.chardev.Send(zpl)
	if res.Code != NotPresent {
		return res
	}
	return a.usb.Send(zpl)
}
