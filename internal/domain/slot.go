package domain

import "errors"

var ErrUnknownSlot = errors.New("unknown slot")

// Slot is a logical camera position within a match. The set is fixed:
// a match carries at most four sources at once.
type Slot string

const (
	SlotNone Slot = ""
	SlotCam1 Slot = "cam1"
	SlotCam2 Slot = "cam2"
	SlotCam3 Slot = "cam3"
	SlotCam4 Slot = "cam4"
)

// Slots lists every occupiable slot in display order.
func Slots() []Slot {
	return []Slot{SlotCam1, SlotCam2, SlotCam3, SlotCam4}
}

func ParseSlot(s string) (Slot, error) {
	switch Slot(s) {
	case SlotCam1, SlotCam2, SlotCam3, SlotCam4:
		return Slot(s), nil
	case SlotNone:
		return SlotNone, nil
	}
	return SlotNone, ErrUnknownSlot
}
