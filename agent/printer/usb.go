package printer

import (
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// USBDevice drives the printer over raw USB when no usblp node exists (kernel
// module blacklisted, or the distro ships without it). It claims the first
// printer-class interface and writes the bulk-out endpoint directly.
type USBDevice struct {
	vendor  gousb.ID
	product gousb.ID
}

// NewUSBDevice returns a raw-USB driver. Zero vendor/product matches the
// first printer-class device found.
func NewUSBDevice(vendor, product uint16) *USBDevice {
	return &USBDevice{vendor: gousb.ID(vendor), product: gousb.ID(product)}
}

func (d *USBDevice) Describe() string {
	if d.vendor != 0 || d.product != 0 {
		return fmt.Sprintf("usb:%s:%s", d.vendor, d.product)
	}
	return "usb:auto"
}

func (d *USBDevice) Close() error { return nil }

// Send opens the device, claims the printer interface and streams the payload
// to the bulk-out endpoint. The claim is dropped after every send so that
// CUPS or a returning usblp module can take the device back between jobs.
func (d *USBDevice) Send(zpl []byte) Result {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if d.vendor != 0 && desc.Vendor != d.vendor {
			return false
		}
		if d.product != 0 && desc.Product != d.product {
			return false
		}
		return hasPrinterInterface(desc)
	})
	if len(devs) > 1 {
		for _, extra := range devs[1:] {
			extra.Close()
		}
	}
	if len(devs) == 0 {
		if err != nil {
			return Result{Code: NotPresent, Detail: fmt.Sprintf("usb enumeration: %v", err)}
		}
		return Result{Code: NotPresent, Detail: "no printer-class usb device"}
	}

	dev := devs[0]
	defer dev.Close()

	// let libusb detach usblp if it re-grabbed the interface underneath us
	if err := dev.SetAutoDetach(true); err != nil {
		return Result{Code: IOError, Detail: fmt.Sprintf("auto-detach: %v", err)}
	}

	cfgNum, ifNum, altNum, epAddr, ok := findBulkOut(dev.Desc)
	if !ok {
		return Result{Code: NotPresent, Detail: "printer interface has no bulk-out endpoint"}
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return Result{Code: classifyUSBError(err), Detail: fmt.Sprintf("config %d: %v", cfgNum, err)}
	}
	defer cfg.Close()

	intf, err := cfg.Interface(ifNum, altNum)
	if err != nil {
		return Result{Code: classifyUSBError(err), Detail: fmt.Sprintf("claim interface %d: %v", ifNum, err)}
	}
	defer intf.Close()

	ep, err := intf.OutEndpoint(epAddr)
	if err != nil {
		return Result{Code: IOError, Detail: fmt.Sprintf("endpoint %d: %v", epAddr, err)}
	}

	for len(zpl) > 0 {
		n, err := ep.Write(zpl)
		if err != nil {
			if errors.Is(err, gousb.ErrorNoDevice) {
				return Result{Code: NotPresent, Detail: "printer disconnected mid-write"}
			}
			return Result{Code: IOError, Detail: fmt.Sprintf("bulk write: %v", err)}
		}
		zpl = zpl[n:]
	}
	return Result{Code: OK}
}

func hasPrinterInterface(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassPrinter {
					return true
				}
			}
		}
	}
	return false
}

// findBulkOut locates the first printer-class alt setting with an OUT bulk
// endpoint and returns the numbers needed to claim it.
func findBulkOut(desc *gousb.DeviceDesc) (cfgNum, ifNum, altNum, epAddr int, ok bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class != gousb.ClassPrinter {
					continue
				}
				for _, ep := range alt.Endpoints {
					if ep.Direction == gousb.EndpointDirectionOut && ep.TransferType == gousb.TransferTypeBulk {
						return cfg.Number, intf.Number, alt.Alternate, ep.Number, true
					}
				}
			}
		}
	}
	return 0, 0, 0, 0, false
}

func classifyUSBError(err error) Code {
	switch {
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return NotPresent
	case errors.Is(err, gousb.ErrorBusy), errors.Is(err, gousb.ErrorAccess):
		return Busy
	}
	return IOError
}
