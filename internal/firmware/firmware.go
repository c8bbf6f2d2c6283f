// Package firmware copies the per-VM UEFI variables file from a template,
// per §6's filesystem layout: "Per-VM UEFI variables file (if firmware is
// configured) copied from a template under the disk directory as
// uefi-vars-<vmId>.fd with mode 0644."
package firmware

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// VarsPath returns the canonical per-VM UEFI vars file path.
func VarsPath(diskDir, vmID string) string {
	return filepath.Join(diskDir, fmt.Sprintf("uefi-vars-%s.fd", vmID))
}

// CopyVarsTemplate copies templatePath to the per-VM vars file, mode 0644,
// only if firmware is configured (templatePath non-empty). A no-op
// returning "" if templatePath is empty.
func CopyVarsTemplate(templatePath, diskDir, vmID string) (string, error) {
	if templatePath == "" {
		return "", nil
	}

	dst := VarsPath(diskDir, vmID)

	src, err := os.Open(templatePath)
	if err != nil {
		return "", fmt.Errorf("firmware: open template %s: %w", templatePath, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("firmware: create vars file %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("firmware: copy vars template to %s: %w", dst, err)
	}

	return dst, nil
}
