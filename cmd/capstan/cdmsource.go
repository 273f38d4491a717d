package main

import (
	"fmt"
	"strings"

	"capstan/internal/cdm"
	"capstan/internal/config"
	"capstan/internal/prepare"
	"capstan/internal/pssh"
)

// cdmSource builds CDM backends from configuration on demand. Selection
// order per system: a local device file (Widevine only), then configured
// remotes, then vendor key services.
func cdmSource(cfg *config.Config) prepare.CDMSource {
	return prepare.CDMSourceFunc(func(system pssh.System) (cdm.CDM, error) {
		return buildCDM(cfg, system)
	})
}

func buildCDM(cfg *config.Config, system pssh.System) (cdm.CDM, error) {
	if system == pssh.SystemWidevine && strings.TrimSpace(cfg.CDM.WVDPath) != "" {
		return cdm.NewLocalWidevine(cfg.CDM.WVDPath)
	}
	for _, remote := range cfg.CDM.Remotes {
		if parseSystem(remote.System) == system {
			return cdm.NewRemote(remote.Host, remote.Secret, remote.Device, system), nil
		}
	}
	for _, svc := range cfg.CDM.KeyServices {
		if parseSystem(svc.System) == system {
			return cdm.NewKeyService(svc.Host, svc.Secret, svc.Scheme, svc.Service, system), nil
		}
	}
	return nil, fmt.Errorf("no CDM configured for %s", system)
}

func parseSystem(name string) pssh.System {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "widevine":
		return pssh.SystemWidevine
	case "playready":
		return pssh.SystemPlayReady
	default:
		return pssh.SystemUnknown
	}
}
