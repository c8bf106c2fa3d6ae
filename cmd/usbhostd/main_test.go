package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskernel/usbhost/pci"
	"github.com/duskernel/usbhost/usb"
)

func TestAlignDownRoundsToPageBoundary(t *testing.T) {
	require.Equal(t, uint64(0xf0000000), alignDown(0xf0000123))
	require.Equal(t, uint64(0xf0001000), alignDown(0xf0001000))
}

func TestControllerLabelFormatsBusDevFn(t *testing.T) {
	label := controllerLabel(&pci.Target{Bus: 0, Dev: 0x1d, Fn: 0x7})
	require.Equal(t, "00:1d.7", label)
}

func TestStringDescriptorIndexReadsIProductField(t *testing.T) {
	dev := &usb.UsbDevice{DeviceDescriptor: make([]byte, 18)}
	dev.DeviceDescriptor[15] = 2
	require.Equal(t, uint8(2), stringDescriptorIndex(dev))

	short := &usb.UsbDevice{DeviceDescriptor: make([]byte, 4)}
	require.Equal(t, uint8(0), stringDescriptorIndex(short))
}
