package usb

// classEntry names one (class, subclass-or-protocol) pair and the system
// device class/subclass a matched driver should register the device
// under (spec §4.3, "Class naming").
type classEntry struct {
	name        string
	systemClass string
	systemSub   string
}

// classTable is a static two-level lookup: class, then subclass (or, for
// HID, protocol). Unmatched pairs fall back to the class-only entry in
// classOnlyTable, then to "unknown".
var classTable = map[[2]uint8]classEntry{
	{ClassHID, 1}:         {"HID keyboard", "keyboard", "keyboard_usb"},
	{ClassHID, 2}:         {"HID mouse", "mouse", "mouse_usb"},
	{ClassMassStorage, 6}: {"mass storage (SCSI)", "disk", "disk_scsi"},
	{ClassHub, 0}:         {"hub", "hub", "hub_usb"},
}

var classOnlyTable = map[uint8]classEntry{
	ClassHID:         {"HID device", "input", "input_usb"},
	ClassMassStorage: {"mass storage", "disk", "disk_usb"},
	ClassHub:         {"hub", "hub", "hub_usb"},
}

// ClassifyDevice maps a device's (class, subclass-or-protocol) pair to a
// human-readable name and the system device class/subclass it should be
// registered under.
func ClassifyDevice(class, subOrProto uint8) (name, systemClass, systemSub string) {
	if e, ok := classTable[[2]uint8{class, subOrProto}]; ok {
		return e.name, e.systemClass, e.systemSub
	}

	if e, ok := classOnlyTable[class]; ok {
		return e.name, e.systemClass, e.systemSub
	}

	return "unrecognized USB device", "unknown", "unknown"
}
