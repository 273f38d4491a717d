package cdm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"github.com/devatadev/gowvserve/wv"
	wvpb "github.com/devatadev/gowvserve/wv/proto"

	"capstan/internal/keys"
	"capstan/internal/pssh"
)

// ServiceCertificateRequest is the fixed challenge body a service's
// certificate endpoint expects when privacy mode is in use.
var ServiceCertificateRequest = []byte{0x08, 0x04}

// LocalWidevine runs Widevine sessions against an in-process CDM backed by
// a provisioned device (WVD file).
type LocalWidevine struct {
	mu sync.Mutex
	cdm *wv.CDM
	// sessions that had a service certificate installed; the challenge for
	// those runs in privacy mode.
	withCert map[string]bool
}

// NewLocalWidevine loads the device from a WVD file and constructs the CDM.
func NewLocalWidevine(wvdPath string) (*LocalWidevine, error) {
	raw, err := os.ReadFile(wvdPath)
	if err != nil {
		return nil, fmt.Errorf("read wvd file: %w", err)
	}
	device, err := wv.NewDevice(wv.FromWVD(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("load widevine device: %w", err)
	}
	return &LocalWidevine{
		cdm:      wv.NewCDM(device),
		withCert: make(map[string]bool),
	}, nil
}

func (l *LocalWidevine) System() pssh.System {
	return pssh.SystemWidevine
}

func (l *LocalWidevine) Open(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, err := l.cdm.OpenSession()
	if err != nil {
		return nil, fmt.Errorf("open cdm session: %w", err)
	}
	return session.Id, nil
}

// CertificateChallenge implements CertificateCapable.
func (l *LocalWidevine) CertificateChallenge() []byte {
	return ServiceCertificateRequest
}

// SetServiceCertificate installs a service certificate on the session,
// switching its challenge to privacy mode.
func (l *LocalWidevine) SetServiceCertificate(ctx context.Context, session, cert []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.cdm.SetServiceCertificate(session, cert); err != nil {
		return fmt.Errorf("set service certificate: %w", err)
	}
	l.withCert[hex.EncodeToString(session)] = true
	return nil
}

func (l *LocalWidevine) Challenge(ctx context.Context, session []byte, header *pssh.Header) ([]byte, error) {
	box, err := wv.NewPSSH(header.Box)
	if err != nil {
		return nil, fmt.Errorf("parse pssh for challenge: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	privacyMode := l.withCert[hex.EncodeToString(session)]
	challenge, err := l.cdm.GetLicenseChallenge(session, box, wvpb.LicenseType_STREAMING, privacyMode)
	if err != nil {
		return nil, fmt.Errorf("get license challenge: %w", err)
	}
	return challenge, nil
}

func (l *LocalWidevine) ParseLicense(ctx context.Context, session, license []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.cdm.ParseLicense(session, license); err != nil {
		return fmt.Errorf("parse license: %w", err)
	}
	return nil
}

func (l *LocalWidevine) Keys(ctx context.Context, session []byte) ([]Key, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sessionKeys, err := l.cdm.GetKeys(session, wv.CONTENT)
	if err != nil {
		return nil, fmt.Errorf("get keys: %w", err)
	}
	out := make([]Key, 0, len(sessionKeys))
	for _, k := range sessionKeys {
		kid, err := keys.KeyIDFromBytes(k.ID)
		if err != nil {
			continue
		}
		key, err := keys.ContentKeyFromBytes(k.Key)
		if err != nil {
			continue
		}
		out = append(out, Key{ID: kid, Key: key, Type: "CONTENT"})
	}
	return out, nil
}

func (l *LocalWidevine) Close(ctx context.Context, session []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.withCert, hex.EncodeToString(session))
	if err := l.cdm.CloseSession(session); err != nil {
		return fmt.Errorf("close cdm session: %w", err)
	}
	return nil
}
