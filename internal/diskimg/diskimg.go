// Package diskimg is a thin wrapper around qemu-img-style create/inspect
// operations. Storage-provisioning policy beyond mechanical disk-file
// creation is out of scope; the Lifecycle Coordinator's create step still
// needs to create disk files, so a minimal exec.Command("qemu-img", ...)
// wrapper ships for create, inspect and snapshot.
package diskimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("diskimg")

// Tool wraps the qemu-img binary.
type Tool struct {
	Binary string
}

func New(binary string) *Tool {
	if binary == "" {
		binary = "qemu-img"
	}
	return &Tool{Binary: binary}
}

// Create makes a new disk image at path, with the given format and size,
// using metadata preallocation (§4.6 create step 4: "preallocation =
// metadata").
func (t *Tool) Create(ctx context.Context, path, format string, sizeGB int) error {
	args := []string{
		"create",
		"-f", format,
		"-o", "preallocation=metadata",
		path,
		fmt.Sprintf("%dG", sizeGB),
	}
	cmd := exec.CommandContext(ctx, t.Binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("diskimg: create %s: %w: %s", path, err, out)
	}
	log.Debug("created disk image %s (%s, %dGB)", path, format, sizeGB)
	return nil
}

// Info is the subset of `qemu-img info --output=json` this wrapper needs.
type Info struct {
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
	ActualSize  int64  `json:"actual-size"`
}

// Inspect runs `qemu-img info` on an existing image.
func (t *Tool) Inspect(ctx context.Context, path string) (*Info, error) {
	cmd := exec.CommandContext(ctx, t.Binary, "info", "--output=json", path)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("diskimg: inspect %s: %w", path, err)
	}
	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("diskimg: parse info for %s: %w", path, err)
	}
	return &info, nil
}

// Snapshot creates a qcow2 snapshot image backed by src.
func (t *Tool) Snapshot(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.Binary, "create", "-f", "qcow2", "-b", src, "-F", "qcow2", dst)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("diskimg: snapshot %s -> %s: %w: %s", src, dst, err, out)
	}
	return nil
}
