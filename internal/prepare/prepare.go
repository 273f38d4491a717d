package prepare

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"capstan/internal/cdm"
	"capstan/internal/drm"
	"capstan/internal/keys"
	"capstan/internal/pssh"
	"capstan/internal/vault"
)

// Mode selects the key resolution path. ModeAuto tries vaults first and
// falls back to a license roundtrip.
type Mode int

const (
	ModeAuto Mode = iota
	ModeCDMOnly
	ModeVaultsOnly
)

// CDMSource hands out a CDM for a DRM system, lazily. The preparer asks for
// a new one only when the track's system differs from the one currently
// loaded.
type CDMSource interface {
	CDM(system pssh.System) (cdm.CDM, error)
}

// CDMSourceFunc adapts a function to CDMSource.
type CDMSourceFunc func(system pssh.System) (cdm.CDM, error)

func (f CDMSourceFunc) CDM(system pssh.System) (cdm.CDM, error) {
	return f(system)
}

// Request is one track's key resolution job.
type Request struct {
	DRM drm.DRM

	// TrackKID pins the key ID this track's samples actually use. It must
	// resolve or Prepare fails, even when other header IDs resolved.
	TrackKID keys.KeyID

	Certificate    drm.CertificateFunc
	License        drm.LicenseFunc
	SessionLicense drm.SessionLicenseFunc

	Mode Mode

	// Title and Track name this job in the export file.
	Title string
	Track string
	// ExportPath, when set, accumulates resolved keys into a JSON file
	// across all tracks of a run.
	ExportPath string
}

// Preparer coordinates key resolution for all tracks of one title. The
// single lock serializes full resolutions so tracks that share a protection
// header never issue duplicate license requests.
type Preparer struct {
	mu      sync.Mutex
	vaults  *vault.Aggregator
	cdms    CDMSource
	current cdm.CDM
	state   *State
	logger  *slog.Logger
}

func New(vaults *vault.Aggregator, cdms CDMSource, state *State, logger *slog.Logger) *Preparer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if state == nil {
		state = NewState()
	}
	return &Preparer{vaults: vaults, cdms: cdms, state: state, logger: logger}
}

// State returns the shared display state.
func (p *Preparer) State() *State {
	return p.state
}

// Prepare resolves every key the track needs, per the request's mode. It
// holds the preparer lock for the whole sequence: vault lookups, the license
// roundtrip if one is needed, display updates, and the export write.
func (p *Preparer) Prepare(ctx context.Context, req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := req.DRM
	needed := d.KeyIDs()
	if !req.TrackKID.IsZero() && !containsKID(needed, req.TrackKID) {
		needed = append(needed, req.TrackKID)
	}

	resolved := d.ContentKeys()
	var needLicense []keys.KeyID
	for _, kid := range needed {
		if key, ok := resolved[kid]; ok && !key.IsZero() {
			continue
		}
		if req.Mode != ModeCDMOnly {
			key, source, err := p.vaults.GetKey(ctx, kid)
			if err == nil && key != "" {
				d.SetContentKey(kid, key)
				resolved[kid] = key
				accepted, _ := p.vaults.AddKey(ctx, kid, key, source)
				p.logger.Debug("key from vault",
					"kid", kid,
					"vault", source.Name(),
					"fanned_out", accepted)
				p.state.RecordKey(d.Header(), kid, key, "vault: "+source.Name())
				continue
			}
		}
		if req.Mode == ModeVaultsOnly {
			err := fmt.Errorf("%w: %s not in any vault", drm.ErrContentKeyNotFound, kid)
			p.state.RecordFailure(d.Header(), err)
			return err
		}
		needLicense = append(needLicense, kid)
	}

	if len(needLicense) > 0 {
		if err := p.switchCDM(d.System()); err != nil {
			p.state.RecordFailure(d.Header(), err)
			return err
		}

		fromVaults := make(map[keys.KeyID]keys.ContentKey, len(resolved))
		for kid, key := range resolved {
			fromVaults[kid] = key
		}

		licensed, err := drm.AcquireKeys(ctx, d, p.current, drm.AcquireOptions{
			Certificate:    req.Certificate,
			License:        req.License,
			SessionLicense: req.SessionLicense,
			HintKIDs:       needLicense,
		})
		if err != nil {
			p.state.RecordFailure(d.Header(), err)
			return err
		}

		// Vault-sourced keys win over zero placeholders the license
		// server may have returned for the same IDs.
		merged := keys.MergePreferVault(fromVaults, licensed)

		newKeys := make(map[keys.KeyID]keys.ContentKey)
		for kid, key := range merged {
			d.SetContentKey(kid, key)
			if _, had := fromVaults[kid]; !had && !key.IsZero() {
				newKeys[kid] = key
				p.state.RecordKey(d.Header(), kid, key, "license")
			}
		}
		if len(newKeys) > 0 {
			accepted, err := p.vaults.AddKeys(ctx, newKeys, nil)
			if err != nil {
				p.logger.Warn("caching license keys failed", "error", err)
			} else {
				p.logger.Info("cached license keys",
					"keys", len(newKeys),
					"vaults_accepted", accepted,
					"vaults_total", p.vaults.Len())
			}
		}
	}

	if !req.TrackKID.IsZero() {
		key, ok := d.ContentKeys()[req.TrackKID]
		if !ok || key.IsZero() {
			err := fmt.Errorf("%w: %s required by track", drm.ErrContentKeyNotFound, req.TrackKID)
			p.state.RecordFailure(d.Header(), err)
			return err
		}
	}

	if req.ExportPath != "" {
		if err := exportKeys(req.ExportPath, req.Title, req.Track, d.ContentKeys()); err != nil {
			return fmt.Errorf("export keys: %w", err)
		}
	}
	return nil
}

// switchCDM lazily swaps the loaded CDM when the track's system differs.
func (p *Preparer) switchCDM(system pssh.System) error {
	if p.current != nil && p.current.System() == system {
		return nil
	}
	if p.cdms == nil {
		return fmt.Errorf("no CDM configured for %s", system)
	}
	c, err := p.cdms.CDM(system)
	if err != nil {
		return fmt.Errorf("load %s CDM: %w", system, err)
	}
	p.current = c
	return nil
}

func containsKID(kids []keys.KeyID, kid keys.KeyID) bool {
	for _, k := range kids {
		if k == kid {
			return true
		}
	}
	return false
}
