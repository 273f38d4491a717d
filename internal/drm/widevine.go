package drm

import (
	"fmt"
	"sync"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

// Widevine is the Widevine DRM system attached to a track.
type Widevine struct {
	header *pssh.Header

	mu          sync.Mutex
	contentKeys map[keys.KeyID]keys.ContentKey
}

// NewWidevine builds a Widevine object from a parsed protection header.
// Headers carrying a different system ID are converted in place. At least one
// key ID must be resolvable or construction fails.
func NewWidevine(header *pssh.Header) (*Widevine, error) {
	if header == nil {
		return nil, pssh.ErrHeaderNotFound
	}
	if header.System != pssh.SystemWidevine {
		converted, err := header.Convert(pssh.SystemWidevine)
		if err != nil {
			return nil, fmt.Errorf("convert %s header: %w", header.System, err)
		}
		header = converted
	}
	if len(header.KeyIDs) == 0 {
		return nil, pssh.ErrKeyIDNotFound
	}
	return &Widevine{
		header:      header,
		contentKeys: make(map[keys.KeyID]keys.ContentKey),
	}, nil
}

// WidevineFromInitData scans raw init-segment bytes for a Widevine pssh box
// and builds the DRM object from it. A PlayReady box found instead is
// converted; a tenc box supplies the key ID when the pssh carries none.
func WidevineFromInitData(data []byte) (*Widevine, error) {
	header, err := pssh.FromInitData(data, pssh.SystemWidevine)
	if err != nil {
		return nil, err
	}
	return NewWidevine(header)
}

func (w *Widevine) System() pssh.System {
	return pssh.SystemWidevine
}

func (w *Widevine) Header() *pssh.Header {
	return w.header
}

func (w *Widevine) KeyIDs() []keys.KeyID {
	return append([]keys.KeyID(nil), w.header.KeyIDs...)
}

// AddKeyID registers an out-of-band key ID (tenc box, service metadata).
func (w *Widevine) AddKeyID(kid keys.KeyID) {
	w.header.AddKeyID(kid)
}

// ContentKeys returns a copy of the resolved key map.
func (w *Widevine) ContentKeys() map[keys.KeyID]keys.ContentKey {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[keys.KeyID]keys.ContentKey, len(w.contentKeys))
	for kid, key := range w.contentKeys {
		out[kid] = key
	}
	return out
}

// SetContentKey records a resolved key. Zero keys are dropped so a real key
// already present can never be blanked out.
func (w *Widevine) SetContentKey(kid keys.KeyID, key keys.ContentKey) {
	if key.IsZero() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.contentKeys[kid] = key
}

// ContentKey returns the resolved key for kid, if any.
func (w *Widevine) ContentKey(kid keys.KeyID) (keys.ContentKey, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key, ok := w.contentKeys[kid]
	return key, ok
}
