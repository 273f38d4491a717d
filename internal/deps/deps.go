// Package deps reports availability of the external binaries capstan shells
// out to for decryption and media inspection.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"capstan/internal/config"
)

// Requirement is one external binary and how much capstan needs it.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status is the availability verdict for one requirement.
type Status struct {
	Requirement
	Available bool
	Detail    string
}

// Requirements derives the binary set from the configuration. The selected
// decryption tool is mandatory and picks up any configured binary override;
// the alternate tool and ffprobe stay optional.
func Requirements(cfg *config.Config) []Requirement {
	shaka := Requirement{
		Name:        "Shaka Packager",
		Command:     "packager",
		Description: "Raw-key decryption of downloaded tracks",
		Optional:    true,
	}
	mp4decrypt := Requirement{
		Name:        "mp4decrypt",
		Command:     "mp4decrypt",
		Description: "Alternative MP4 decryption tool",
		Optional:    true,
	}
	if cfg != nil {
		selected := &shaka
		if cfg.Decryption.Tool == "mp4decrypt" {
			selected = &mp4decrypt
		}
		selected.Optional = false
		if cfg.Decryption.Binary != "" {
			selected.Command = cfg.Decryption.Binary
		}
	}
	return []Requirement{
		shaka,
		mp4decrypt,
		{
			Name:        "ffprobe",
			Command:     "ffprobe",
			Description: "Media inspection of decrypted output",
			Optional:    true,
		},
	}
}

// Check derives the requirements from cfg and probes PATH for each.
func Check(cfg *config.Config) []Status {
	return CheckBinaries(Requirements(cfg))
}

// CheckBinaries probes PATH for each requirement and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	statuses := make([]Status, len(requirements))
	for i, req := range requirements {
		req.Command = strings.TrimSpace(req.Command)
		req.Description = strings.TrimSpace(req.Description)
		statuses[i] = Status{Requirement: req}
		if req.Command == "" {
			statuses[i].Detail = "command not configured"
			continue
		}
		if _, err := exec.LookPath(req.Command); err != nil {
			statuses[i].Detail = fmt.Sprintf("binary %q not found", req.Command)
			continue
		}
		statuses[i].Available = true
	}
	return statuses
}
