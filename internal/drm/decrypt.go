package drm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"capstan/internal/keys"
)

// Tool selects the external decryption binary.
type Tool string

const (
	ToolShaka      Tool = "shaka"
	ToolMP4Decrypt Tool = "mp4decrypt"
)

// STATUS_CONTROL_C_EXIT, reported by shaka-packager when killed mid-run.
const interruptedExitCode = 0xC000013A

// DecryptOptions configures one decryption run.
type DecryptOptions struct {
	Tool   Tool
	Binary string
	// TempDir is handed to shaka-packager for its intermediate files.
	TempDir string
	// ZeroKIDWorkaround additionally registers every content key under the
	// all-zero key ID, for services whose on-disk key ID differs from the
	// license server's.
	ZeroKIDWorkaround bool
	Logger            *slog.Logger
}

// DecryptFile decrypts the media file at path in place using the resolved
// key map of d. Every key ID the file references must already be resolved.
func DecryptFile(ctx context.Context, d DRM, path string, opts DecryptOptions) error {
	contentKeys := d.ContentKeys()
	if len(contentKeys) == 0 {
		return fmt.Errorf("%w: no content keys resolved", ErrContentKeyNotFound)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("decrypt input: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	switch opts.Tool {
	case ToolMP4Decrypt:
		return decryptMP4Decrypt(ctx, contentKeys, path, opts)
	case ToolShaka, "":
		return decryptShaka(ctx, contentKeys, path, opts)
	default:
		return fmt.Errorf("unknown decryption tool %q", opts.Tool)
	}
}

func decryptMP4Decrypt(ctx context.Context, contentKeys map[keys.KeyID]keys.ContentKey, path string, opts DecryptOptions) error {
	binary := opts.Binary
	if binary == "" {
		binary = "mp4decrypt"
	}
	output := decryptedPath(path)

	args := []string{"--show-progress"}
	for kid, key := range contentKeys {
		args = append(args, "--key", kid.Hex()+":"+key.String())
		if opts.ZeroKIDWorkaround {
			args = append(args, "--key", keys.ZeroKeyID.Hex()+":"+key.String())
		}
	}
	args = append(args, path, output)

	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	combined, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(combined))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: mp4decrypt: %s", ErrToolFailure, detail)
	}
	return replaceWithOutput(path, output)
}

func decryptShaka(ctx context.Context, contentKeys map[keys.KeyID]keys.ContentKey, path string, opts DecryptOptions) error {
	binary := opts.Binary
	if binary == "" {
		binary = "packager"
	}
	output := decryptedPath(path)

	labels := make([]string, 0, 2*len(contentKeys))
	index := 0
	for kid, key := range contentKeys {
		labels = append(labels, fmt.Sprintf("label=%d:key_id=%s:key=%s", index, kid.Hex(), key.String()))
		index++
	}
	if opts.ZeroKIDWorkaround {
		// Some services use a blank key ID on the file but the real one
		// toward the license server; register both.
		for _, key := range contentKeys {
			labels = append(labels, fmt.Sprintf("label=%d:key_id=%s:key=%s", index, keys.ZeroKeyID.Hex(), key.String()))
			index++
		}
	}

	args := []string{
		fmt.Sprintf("input=%s,stream=0,output=%s,output_format=MP4", path, output),
		"--enable_raw_key_decryption",
		"--keys", strings.Join(labels, ","),
	}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		args = append(args, "--temp_dir", opts.TempDir)
	}

	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	streamSkipped := false
	hadError := false
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Segments too small to carry data are skipped, not failed.
		if strings.Contains(line, "Skip stream") {
			streamSkipped = true
		}
		if strings.Contains(line, ":INFO:") {
			continue
		}
		if strings.Contains(line, "I0") || strings.Contains(line, "W0") {
			continue
		}
		if strings.Contains(line, "Insufficient bits in bitstream for given AVC profile") {
			continue
		}
		if strings.Contains(line, ":ERROR:") {
			hadError = true
		}
		opts.Logger.Warn("shaka-packager output", "line", line)
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == interruptedExitCode {
			return ErrInterrupted
		}
		return fmt.Errorf("%w: shaka-packager: %v", ErrToolFailure, waitErr)
	}
	if hadError {
		return fmt.Errorf("%w: shaka-packager reported errors", ErrToolFailure)
	}

	if streamSkipped {
		// No data was written; keep the original in place.
		_ = os.Remove(output)
		return nil
	}
	return replaceWithOutput(path, output)
}

func decryptedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_decrypted" + ext
}

func replaceWithOutput(path, output string) error {
	info, err := os.Stat(output)
	if err != nil {
		return fmt.Errorf("%w: output file missing: %v", ErrToolFailure, err)
	}
	if info.Size() == 0 {
		_ = os.Remove(output)
		return fmt.Errorf("%w: output file is empty", ErrToolFailure)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove encrypted input: %w", err)
	}
	if err := os.Rename(output, path); err != nil {
		return fmt.Errorf("move decrypted output: %w", err)
	}
	return nil
}
