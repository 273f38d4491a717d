package pssh

import (
	"fmt"

	wvpb "github.com/devatadev/gowvserve/wv/proto"
	"google.golang.org/protobuf/proto"

	"capstan/internal/keys"
)

// widevineKeyIDs decodes a Widevine pssh payload and returns the key IDs it
// carries. A payload that fails to decode yields no IDs rather than an
// error; callers fall back to tenc or out-of-band metadata.
func widevineKeyIDs(data []byte) []keys.KeyID {
	var payload wvpb.WidevinePsshData
	if err := proto.Unmarshal(data, &payload); err != nil {
		return nil
	}
	var out []keys.KeyID
	for _, raw := range payload.GetKeyIds() {
		kid, err := keys.KeyIDFromBytes(raw)
		if err != nil {
			continue
		}
		out = append(out, kid)
	}
	return out
}

// Convert rebuilds the header for a different DRM system than the one the
// source pssh box declared, carrying the key IDs across. A PlayReady box
// found where Widevine was expected becomes a Widevine box whose payload
// names the same KIDs, and the reverse direction produces a minimal WRM
// header.
func (h *Header) Convert(want System) (*Header, error) {
	if h.System == want {
		return h, nil
	}
	if len(h.KeyIDs) == 0 {
		return nil, fmt.Errorf("%w: cannot convert %s header to %s without key ids",
			ErrKeyIDNotFound, h.System, want)
	}

	switch want {
	case SystemWidevine:
		payload := &wvpb.WidevinePsshData{
			Algorithm: wvpb.WidevinePsshData_AESCTR.Enum(),
		}
		for _, kid := range h.KeyIDs {
			payload.KeyIds = append(payload.KeyIds, kid.Bytes())
		}
		data, err := proto.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal widevine pssh data: %w", err)
		}
		converted := &Header{
			System: SystemWidevine,
			Box:    buildBox(SystemWidevine, data),
			Data:   data,
		}
		converted.KeyIDs = append(converted.KeyIDs, h.KeyIDs...)
		return converted, nil

	case SystemPlayReady:
		data := buildWRMRecord(h.KeyIDs)
		converted := &Header{
			System: SystemPlayReady,
			Box:    buildBox(SystemPlayReady, data),
			Data:   data,
		}
		converted.KeyIDs = append(converted.KeyIDs, h.KeyIDs...)
		return converted, nil

	default:
		return nil, fmt.Errorf("cannot convert header to %s", want)
	}
}
