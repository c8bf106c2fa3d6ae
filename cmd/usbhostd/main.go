// Command usbhostd is the daemon entry point for duskernel's USB host
// subsystem: it probes the PCI bus for host controllers, drives their
// root-hub ports and any downstream hubs found on them, and optionally
// serves live pool/schedule diagnostics over HTTP.
//
// This binary exists to exercise the subsystem against real amd64
// hardware (or a VM with a real PCI/UHCI/EHCI stack) from a hosted Linux
// process rather than linked into duskernel's kernel image, using
// /dev/port and /dev/mem the way setpci(8)/devmem2(1) do.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/duskernel/usbhost/bus"
	"github.com/duskernel/usbhost/diag"
	"github.com/duskernel/usbhost/internal/ioport"
	"github.com/duskernel/usbhost/pci"
	"github.com/duskernel/usbhost/usb"
	"github.com/duskernel/usbhost/usb/ehci"
	"github.com/duskernel/usbhost/usb/hub"
	"github.com/duskernel/usbhost/usb/ohci"
	"github.com/duskernel/usbhost/usb/uhci"
	"github.com/duskernel/usbhost/usb/xhci"
)

func main() {
	log.SetFlags(0)

	app := &cli.App{
		Name:  "usbhostd",
		Usage: "duskernel USB host subsystem daemon",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "dma-base", Usage: "physical base address of the reserved DMA arena (see memmap= kernel parameter)"},
			&cli.IntFlag{Name: "dma-size", Value: 4 << 20, Usage: "size in bytes of the reserved DMA arena, must be a multiple of 4096"},
			&cli.BoolFlag{Name: "diag", Usage: "start the HTTP diagnostics server"},
			&cli.StringFlag{Name: "diag-addr", Value: "127.0.0.1:6969", Usage: "diagnostics server listen address"},
			&cli.Float64Flag{Name: "poll-hz", Value: 20, Usage: "hotplug polling-loop rate, in ticks per second"},
		},
		Commands: []*cli.Command{
			{
				Name:   "detect",
				Usage:  "probe the PCI bus and print every USB host controller found",
				Action: runDetect,
			},
			{
				Name:   "list",
				Usage:  "cold-enumerate every controller's root hub and print a device tree",
				Action: runList,
			},
			{
				Name:   "run",
				Usage:  "enumerate and run the hotplug-polling daemon",
				Action: runDaemon,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("usbhostd: %v", err)
	}
}

// daemon bundles the live state runDetect/runList/runDaemon all build on
// top of: the probed PCI bus, one driverSet per USB host controller
// found, and the shared usb.Core they register against.
type daemon struct {
	core    *usb.Core
	pciDrv  *pci.Driver
	io      ioport.PortIO
	drivers []driverSet
	unmaps  []func() error
}

// driverSet names one discovered controller alongside the concrete
// usb.ControllerOps implementation driving it, since only ehci/uhci
// support PollPort/NumPorts meaningfully (ohci/xhci are detection-only).
type driverSet struct {
	target *pci.Target
	ctrl   *usb.Controller
	poll   func(port int, hotplug bool) error
	ports  int
}

func openDaemon(c *cli.Context) (*daemon, error) {
	io, err := ioport.OpenDevPort()
	if err != nil {
		return nil, fmt.Errorf("open /dev/port (needs CAP_SYS_RAWIO): %w", err)
	}

	pciDrv := pci.New(io)
	found, err := pciDrv.Detect()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no PCI host bridge answered the mechanism-#1 probe")
	}

	if err := bus.Global().Register(pciDrv); err != nil {
		return nil, err
	}

	dmaBase := c.Uint64("dma-base")
	dmaSize := c.Int("dma-size")
	if dmaBase == 0 {
		return nil, fmt.Errorf("-dma-base is required: reserve a physical arena with a memmap= kernel parameter first")
	}

	mm, unmapDMA, err := newDevMemAllocator(dmaBase, dmaSize)
	if err != nil {
		return nil, err
	}

	core := usb.NewCore(nil)
	d := &daemon{core: core, pciDrv: pciDrv, io: io, unmaps: []func() error{unmapDMA}}

	targets, err := pciDrv.GetTargets()
	if err != nil {
		return nil, err
	}

	index := 0
	for _, t := range targets {
		var pt pci.Target
		if err := pciDrv.GetTargetInfo(t, &pt); err != nil {
			continue
		}
		if pt.Class != pci.ClassSerialBus || pt.SubClass != pci.SubSerialBusUSB {
			continue
		}

		ds, err := d.attach(&pt, index, mm)
		if err != nil {
			log.Printf("usbhostd: %s: %v", controllerLabel(&pt), err)
			continue
		}
		d.drivers = append(d.drivers, ds)
		index++
	}

	return d, nil
}

func controllerLabel(t *pci.Target) string {
	return fmt.Sprintf("%02x:%02x.%x", t.Bus, t.Dev, t.Fn)
}

// attach constructs the right controller driver for t's programming
// interface and wires its root hub onto d.core.
func (d *daemon) attach(t *pci.Target, index int, mm usb.MemoryManager) (driverSet, error) {
	kind := pci.KindFromProgIf(t.ProgIf)

	switch kind {
	case pci.ControllerEHCI:
		barPhys, err := d.pciDrv.BaseAddress(t.Bus, t.Dev, t.Fn, 0)
		if err != nil {
			return driverSet{}, err
		}
		virt, unmap, err := mapPhysical(alignDown(barPhys), devMemPageSize)
		if err != nil {
			return driverSet{}, err
		}
		d.unmaps = append(d.unmaps, unmap)

		irq, _ := d.pciDrv.ReadConfig(t.Bus, t.Dev, t.Fn, 0x3c, 8)
		cfg := &pciConfigSpace{drv: d.pciDrv, bus: t.Bus, dev: t.Dev, fn: t.Fn}
		drv, err := ehci.Detect(virt+uintptr(barPhys&0xfff), int(irq), index, mm, d.core, cfg)
		if err != nil {
			return driverSet{}, err
		}
		if err := drv.Start(); err != nil {
			return driverSet{}, err
		}
		return driverSet{target: t, ctrl: drv.Controller, poll: drv.PollPort, ports: drv.NumPorts()}, nil

	case pci.ControllerUHCI:
		bar, err := d.pciDrv.ReadConfig(t.Bus, t.Dev, t.Fn, pci.RegBar0, 32)
		if err != nil {
			return driverSet{}, err
		}
		ioBase := uint16(bar &^ 0x3)

		irq, _ := d.pciDrv.ReadConfig(t.Bus, t.Dev, t.Fn, 0x3c, 8)
		drv, err := uhci.Detect(d.io, ioBase, int(irq), index, mm, d.core)
		if err != nil {
			return driverSet{}, err
		}
		if err := drv.Start(); err != nil {
			return driverSet{}, err
		}
		return driverSet{target: t, ctrl: drv.Controller, poll: drv.PollPort, ports: drv.NumPorts()}, nil

	case pci.ControllerOHCI:
		irq, _ := d.pciDrv.ReadConfig(t.Bus, t.Dev, t.Fn, 0x3c, 8)
		drv := ohci.Detect(int(irq), index)
		d.core.RegisterController(drv.Controller)
		return driverSet{target: t, ctrl: drv.Controller}, nil

	case pci.ControllerXHCI:
		irq, _ := d.pciDrv.ReadConfig(t.Bus, t.Dev, t.Fn, 0x3c, 8)
		drv := xhci.Detect(int(irq), index)
		d.core.RegisterController(drv.Controller)
		return driverSet{target: t, ctrl: drv.Controller}, nil
	}

	return driverSet{}, fmt.Errorf("unrecognized USB controller programming interface 0x%02x", t.ProgIf)
}

func alignDown(addr uint64) uint64 { return addr &^ uint64(devMemPageSize-1) }

// pciConfigSpace adapts *pci.Driver to ehci.ConfigSpace, binding it to one
// controller's (bus, dev, fn) so BIOS handoff can walk that controller's
// extended capabilities list without ehci importing pci directly.
type pciConfigSpace struct {
	drv          *pci.Driver
	bus, dev, fn uint8
}

func (c *pciConfigSpace) ReadConfig32(offset uint8) (uint32, error) {
	return c.drv.ReadConfig(c.bus, c.dev, c.fn, offset, 32)
}

func (c *pciConfigSpace) WriteConfig32(offset uint8, val uint32) error {
	return c.drv.WriteConfig(c.bus, c.dev, c.fn, offset, 32, val)
}

func (d *daemon) close() {
	for i := len(d.unmaps) - 1; i >= 0; i-- {
		if err := d.unmaps[i](); err != nil {
			log.Printf("usbhostd: unmap: %v", err)
		}
	}
}

// coldEnumerate polls every root-hub port once (hotplug=false) and
// claims any hub-class device found, recursing into its own ports.
func (d *daemon) coldEnumerate() {
	hubDrv := hub.New(d.core)

	for _, ds := range d.drivers {
		if ds.poll == nil {
			continue
		}
		for port := 0; port < ds.ports; port++ {
			if err := ds.poll(port, false); err != nil {
				log.Printf("usbhostd: %s port %d: %v", controllerLabel(ds.target), port, err)
			}
		}
	}

	d.claimHubs(hubDrv)
}

// claimHubs walks every enumerated device not yet claimed and, if it is
// a hub, runs the hub claim sequence and its own cold port detection.
func (d *daemon) claimHubs(hubDrv *hub.Driver) {
	for _, dev := range d.core.Devices() {
		if dev.Claim != nil || !hubDrv.CanClaim(dev) {
			continue
		}

		h, err := hubDrv.Claim(dev)
		if err != nil {
			log.Printf("usbhostd: hub claim failed: %v", err)
			continue
		}
		dev.Claim = hubDrv

		if err := h.DetectDevices(h, false); err != nil {
			log.Printf("usbhostd: hub cold detect: %v", err)
		}

		// A freshly detected downstream hub's own children were just
		// added to d.core.Devices(); the outer range will reach them on
		// the next iteration since Devices() is re-read each call site
		// that needs it, but this loop snapshot won't see them, so
		// recurse explicitly.
		d.claimHubs(hubDrv)
	}
}

// runPollLoop paces the cooperative hotplug-polling loop with a rate
// limiter rather than a bare time.Sleep busy loop, ticking every root-hub
// port and every claimed hub's ThreadCall until ctx is cancelled.
func (d *daemon) runPollLoop(ctx context.Context, hz float64) {
	limiter := rate.NewLimiter(rate.Limit(hz), 1)
	hubDrv := hub.New(d.core)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		for _, ds := range d.drivers {
			if ds.poll == nil {
				continue
			}
			for port := 0; port < ds.ports; port++ {
				if err := ds.poll(port, true); err != nil {
					log.Printf("usbhostd: %s port %d: %v", controllerLabel(ds.target), port, err)
				}
			}
		}

		d.claimHubs(hubDrv)

		for _, h := range d.core.Hubs() {
			if h.DoneColdDetect && h.ThreadCall != nil {
				h.ThreadCall(h)
			}
		}
	}
}

func runDetect(c *cli.Context) error {
	d, err := openDaemon(c)
	if err != nil {
		return err
	}
	defer d.close()

	if len(d.drivers) == 0 {
		fmt.Println("no USB host controllers found")
		return nil
	}

	for _, ds := range d.drivers {
		fmt.Printf("%s  %s  vendor=%04x device=%04x  kind=%s  ports=%d\n",
			controllerLabel(ds.target), pci.Name(ds.target.Class, ds.target.SubClass),
			ds.target.Vendor, ds.target.Device, ds.ctrl.Kind, ds.ports)
	}

	return nil
}

func runList(c *cli.Context) error {
	d, err := openDaemon(c)
	if err != nil {
		return err
	}
	defer d.close()

	d.coldEnumerate()
	printDeviceTree(d.core)

	return nil
}

func runDaemon(c *cli.Context) error {
	d, err := openDaemon(c)
	if err != nil {
		return err
	}
	defer d.close()

	d.coldEnumerate()
	printDeviceTree(d.core)

	var diagServer *diag.Server
	if c.Bool("diag") && len(d.drivers) > 0 {
		if stats, ok := d.drivers[0].ctrl.Ops.(diag.Stats); ok {
			diagServer = diag.Start(c.String("diag-addr"), d.drivers[0].ctrl.Kind.String(), stats, nil)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	log.Printf("usbhostd: polling at %.1f Hz, ^C to stop", c.Float64("poll-hz"))
	d.runPollLoop(ctx, c.Float64("poll-hz"))

	if diagServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		diagServer.Stop(stopCtx)
	}

	return nil
}

// printDeviceTree renders a lsusb-style listing over the core's live
// device and controller lists: each controller, then its devices (flat,
// with no hub level), then each device's interfaces.
func printDeviceTree(core *usb.Core) {
	for _, ctrl := range core.Controllers() {
		fmt.Printf("Controller %d (%s)\n", ctrl.Index, ctrl.Kind)

		for _, dev := range core.Devices() {
			if dev.Controller != ctrl {
				continue
			}
			printDevice(core, dev, 1)
		}
	}
}

func printDevice(core *usb.Core, dev *usb.UsbDevice, depth int) {
	indent := strings.Repeat("  ", depth)

	name := ""
	if idx := stringDescriptorIndex(dev); idx != 0 {
		if s, err := usb.GetString(core, dev, idx, usb.DefaultLangID); err == nil {
			name = " " + s
		}
	}

	fmt.Printf("%sDevice %03d: ID %04x:%04x class=%02x%s\n", indent, dev.Address, dev.VendorID, dev.ProductID, dev.Class, name)

	for _, iface := range dev.Interfaces {
		fmt.Printf("%s  Interface %d: class=%02x sub=%02x proto=%02x, %d endpoint(s)\n",
			indent, iface.Number, iface.Class, iface.SubClass, iface.Protocol, len(iface.Endpoints))
	}
}

// stringDescriptorIndex returns the device descriptor's iProduct field
// (offset 15 of the 18-byte device descriptor), or 0 if unavailable.
func stringDescriptorIndex(dev *usb.UsbDevice) uint8 {
	if len(dev.DeviceDescriptor) < 16 {
		return 0
	}
	return dev.DeviceDescriptor[15]
}
