package firmware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyVarsTemplateNoopWhenTemplateEmpty(t *testing.T) {
	path, err := CopyVarsTemplate("", t.TempDir(), "vm-1")
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestCopyVarsTemplateCopiesContentAndMode(t *testing.T) {
	srcDir := t.TempDir()
	diskDir := t.TempDir()

	tmpl := filepath.Join(srcDir, "OVMF_VARS.fd")
	require.NoError(t, os.WriteFile(tmpl, []byte("uefi-vars-content"), 0600))

	dst, err := CopyVarsTemplate(tmpl, diskDir, "vm-42")
	require.NoError(t, err)
	assert.Equal(t, VarsPath(diskDir, "vm-42"), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "uefi-vars-content", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode())
}

func TestCopyVarsTemplateErrorsOnMissingSource(t *testing.T) {
	_, err := CopyVarsTemplate("/nonexistent/OVMF_VARS.fd", t.TempDir(), "vm-1")
	require.Error(t, err)
}

func TestVarsPathIncludesVMID(t *testing.T) {
	path := VarsPath("/var/lib/hyperctl/disks", "vm-abc")
	assert.Equal(t, "/var/lib/hyperctl/disks/uefi-vars-vm-abc.fd", path)
}
