package pssh

import "encoding/hex"

// System identifies a DRM protection system by its fixed 16-byte UUID.
type System int

const (
	SystemUnknown System = iota
	SystemWidevine
	SystemPlayReady
)

var (
	// WidevineSystemID is edef8ba9-79d6-4ace-a3c8-27dcd51d21ed.
	WidevineSystemID = mustHex("edef8ba979d64acea3c827dcd51d21ed")
	// PlayReadySystemID is 9a04f079-9840-4286-ab92-e65be0885f95.
	PlayReadySystemID = mustHex("9a04f07998404286ab92e65be0885f95")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// SystemFromID maps a raw 16-byte system ID to a System.
func SystemFromID(id []byte) System {
	switch hex.EncodeToString(id) {
	case hex.EncodeToString(WidevineSystemID):
		return SystemWidevine
	case hex.EncodeToString(PlayReadySystemID):
		return SystemPlayReady
	default:
		return SystemUnknown
	}
}

// ID returns the raw 16-byte system UUID.
func (s System) ID() []byte {
	switch s {
	case SystemWidevine:
		return WidevineSystemID
	case SystemPlayReady:
		return PlayReadySystemID
	default:
		return nil
	}
}

func (s System) String() string {
	switch s {
	case SystemWidevine:
		return "Widevine"
	case SystemPlayReady:
		return "PlayReady"
	default:
		return "Unknown"
	}
}
