package pssh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/google/uuid"

	"capstan/internal/keys"
)

var (
	// ErrHeaderNotFound reports that no protection box of the expected DRM
	// system was located in the supplied data.
	ErrHeaderNotFound = errors.New("protection header not found")
	// ErrKeyIDNotFound reports that a header parsed but no key ID could be
	// recovered through any fallback.
	ErrKeyIDNotFound = errors.New("no key id found in protection header")
)

// Header is a parsed protection system header: the full pssh box, its
// system-specific payload, and every key ID recovered from it.
type Header struct {
	System System
	// Box holds the complete pssh box bytes, header included.
	Box []byte
	// Data holds the system-specific payload of the box.
	Data []byte
	// KeyIDs lists the KIDs embedded in the header, header order preserved.
	KeyIDs []keys.KeyID
}

// scanBoxes finds every occurrence of an MP4 box with the given 4-character
// type inside raw data and returns each complete box, header included. The
// scan is byte-oriented rather than a tree walk so it also finds boxes in
// truncated or concatenated segments.
func scanBoxes(data []byte, boxType string) [][]byte {
	pattern := []byte(boxType)
	var found [][]byte
	offset := 0
	for {
		idx := bytes.Index(data[offset:], pattern)
		if idx < 0 {
			break
		}
		typePos := offset + idx
		offset = typePos + 1
		start := typePos - 4
		if start < 0 {
			continue
		}
		size := int(binary.BigEndian.Uint32(data[start : start+4]))
		if size < 8 || start+size > len(data) {
			continue
		}
		found = append(found, data[start:start+size])
	}
	return found
}

// FromInitData scans raw initialization-segment data for a pssh box of the
// wanted system. Boxes of the wanted system are preferred; when only a box
// of the other known system is present it is converted in place (PlayReady
// discovered where Widevine was expected, or the reverse).
func FromInitData(data []byte, want System) (*Header, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty init data", ErrHeaderNotFound)
	}

	var fallback *Header
	for _, box := range scanBoxes(data, "pssh") {
		h, err := ParseBox(box)
		if err != nil {
			continue
		}
		if h.System == want {
			h.fillKeyIDsFromTenc(data)
			return h, nil
		}
		if fallback == nil && h.System != SystemUnknown {
			fallback = h
		}
	}

	if fallback != nil {
		converted, err := fallback.Convert(want)
		if err != nil {
			return nil, err
		}
		converted.fillKeyIDsFromTenc(data)
		return converted, nil
	}
	return nil, fmt.Errorf("%w: no %s pssh box in init data", ErrHeaderNotFound, want)
}

// ParseBox parses one complete pssh box.
func ParseBox(raw []byte) (*Header, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode pssh box: %w", err)
	}
	psshBox, ok := box.(*mp4.PsshBox)
	if !ok {
		return nil, fmt.Errorf("%w: box is a %s, not pssh", ErrHeaderNotFound, box.Type())
	}

	h := &Header{
		System: SystemFromID(psshBox.SystemID),
		Box:    raw,
		Data:   psshBox.Data,
	}

	// Version 1 boxes carry an explicit KID list.
	for _, kid := range psshBox.KIDs {
		id, err := uuid.FromBytes(kid)
		if err != nil {
			continue
		}
		h.addKeyID(keys.KeyID(id))
	}

	switch h.System {
	case SystemWidevine:
		for _, kid := range widevineKeyIDs(psshBox.Data) {
			h.addKeyID(kid)
		}
	case SystemPlayReady:
		for _, kid := range playReadyKeyIDs(psshBox.Data) {
			h.addKeyID(kid)
		}
	}
	return h, nil
}

// AddKeyID appends an out-of-band key ID (from a tenc box or service
// metadata) unless it is already present or the zero sentinel.
func (h *Header) AddKeyID(kid keys.KeyID) {
	if kid.IsZero() {
		return
	}
	h.addKeyID(kid)
}

func (h *Header) addKeyID(kid keys.KeyID) {
	for _, existing := range h.KeyIDs {
		if existing == kid {
			return
		}
	}
	h.KeyIDs = append(h.KeyIDs, kid)
}

// fillKeyIDsFromTenc falls back to the default KID of a tenc box when the
// pssh box itself embedded none.
func (h *Header) fillKeyIDsFromTenc(data []byte) {
	if len(h.KeyIDs) > 0 {
		return
	}
	for _, box := range scanBoxes(data, "tenc") {
		decoded, err := mp4.DecodeBox(0, bytes.NewReader(box))
		if err != nil {
			continue
		}
		tenc, ok := decoded.(*mp4.TencBox)
		if !ok {
			continue
		}
		kid, err := keys.KeyIDFromBytes(tenc.DefaultKID)
		if err != nil || kid.IsZero() {
			continue
		}
		h.addKeyID(kid)
		return
	}
}

// buildBox assembles a version-0 pssh box around a payload.
func buildBox(system System, data []byte) []byte {
	size := 8 + 4 + 16 + 4 + len(data)
	out := make([]byte, 0, size)
	var scratch [4]byte

	binary.BigEndian.PutUint32(scratch[:], uint32(size))
	out = append(out, scratch[:]...)
	out = append(out, "pssh"...)
	out = append(out, 0, 0, 0, 0) // version 0, zero flags
	out = append(out, system.ID()...)
	binary.BigEndian.PutUint32(scratch[:], uint32(len(data)))
	out = append(out, scratch[:]...)
	out = append(out, data...)
	return out
}
