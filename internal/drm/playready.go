package drm

import (
	"fmt"
	"sync"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

// PlayReady is the PlayReady DRM system attached to a track. Key IDs come
// out of the WRM header's XML, little-endian decoded.
type PlayReady struct {
	header *pssh.Header

	mu          sync.Mutex
	contentKeys map[keys.KeyID]keys.ContentKey
}

// NewPlayReady builds a PlayReady object from a parsed protection header.
func NewPlayReady(header *pssh.Header) (*PlayReady, error) {
	if header == nil {
		return nil, pssh.ErrHeaderNotFound
	}
	if header.System != pssh.SystemPlayReady {
		converted, err := header.Convert(pssh.SystemPlayReady)
		if err != nil {
			return nil, fmt.Errorf("convert %s header: %w", header.System, err)
		}
		header = converted
	}
	if len(header.KeyIDs) == 0 {
		return nil, pssh.ErrKeyIDNotFound
	}
	return &PlayReady{
		header:      header,
		contentKeys: make(map[keys.KeyID]keys.ContentKey),
	}, nil
}

// PlayReadyFromInitData scans raw init-segment bytes for a PlayReady pssh
// box and builds the DRM object from it.
func PlayReadyFromInitData(data []byte) (*PlayReady, error) {
	header, err := pssh.FromInitData(data, pssh.SystemPlayReady)
	if err != nil {
		return nil, err
	}
	return NewPlayReady(header)
}

func (p *PlayReady) System() pssh.System {
	return pssh.SystemPlayReady
}

func (p *PlayReady) Header() *pssh.Header {
	return p.header
}

func (p *PlayReady) KeyIDs() []keys.KeyID {
	return append([]keys.KeyID(nil), p.header.KeyIDs...)
}

func (p *PlayReady) AddKeyID(kid keys.KeyID) {
	p.header.AddKeyID(kid)
}

func (p *PlayReady) ContentKeys() map[keys.KeyID]keys.ContentKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[keys.KeyID]keys.ContentKey, len(p.contentKeys))
	for kid, key := range p.contentKeys {
		out[kid] = key
	}
	return out
}

func (p *PlayReady) SetContentKey(kid keys.KeyID, key keys.ContentKey) {
	if key.IsZero() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contentKeys[kid] = key
}

func (p *PlayReady) ContentKey(kid keys.KeyID) (keys.ContentKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.contentKeys[kid]
	return key, ok
}
