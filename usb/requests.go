package usb

// standardDirection classifies each standard request code by the
// direction its data stage travels, per spec §4.3 ("Control-transfer
// helper"): GET_* and SYNCH_FRAME are device-to-host, SET_* and
// SET_ADDRESS are host-to-device.
var standardDirection = map[uint8]uint8{
	ReqGetStatus:        ReqDirIn,
	ReqGetDescriptor:    ReqDirIn,
	ReqGetConfiguration: ReqDirIn,
	ReqGetInterface:     ReqDirIn,
	ReqSynchFrame:       ReqDirIn,

	ReqClearFeature:     ReqDirOut,
	ReqSetFeature:       ReqDirOut,
	ReqSetAddress:       ReqDirOut,
	ReqSetDescriptor:    ReqDirOut,
	ReqSetConfiguration: ReqDirOut,
	ReqSetInterface:     ReqDirOut,
}

// StandardRequestType derives the full bmRequestType byte for a standard
// device request: direction from standardDirection, kind=standard,
// recipient=device. Class/vendor requests are not looked up here — the
// spec leaves their request-type exactly as the caller supplies it.
func StandardRequestType(request uint8) uint8 {
	return standardDirection[request] | ReqKindStandard | ReqRecipDevice
}

// MassStorageResetRequestType is the fixed bmRequestType for the
// MASSSTORAGE_RESET class request: host-to-device, class kind, targeting
// the interface recipient (spec §4.3).
const MassStorageResetRequestType = ReqDirOut | ReqKindClass | ReqRecipInterface

// pidForRequestType picks the data-stage token PID implied by a
// bmRequestType's direction bit; a zero-length control transfer still
// resolves to a PID from that bit (IN or OUT) even though no data stage
// occurs.
func pidForRequestType(reqType uint8) PID {
	if reqType&ReqDirIn != 0 {
		return PIDIn
	}
	return PIDOut
}
