package validate

import "strings"

// OSFamily classifies a config.os string into the coarse family vocabulary
// used both for unattended-install matching (§4.6 create step 7) and for
// the driver-preset fallback (create step 8). Substring rules per spec:
// anything containing "ubuntu" is ubuntu; "windows" matches either
// "windows10" or "windows11"; "fedora", "redhat", or "rhel" all match
// "fedora".
type OSFamily string

const (
	FamilyUbuntu  OSFamily = "ubuntu"
	FamilyWindows OSFamily = "windows"
	FamilyFedora  OSFamily = "fedora"
	FamilyUnknown OSFamily = ""
)

func ClassifyOS(os string) OSFamily {
	lower := strings.ToLower(os)
	switch {
	case strings.Contains(lower, "ubuntu"):
		return FamilyUbuntu
	case strings.Contains(lower, "windows10"), strings.Contains(lower, "windows11"):
		return FamilyWindows
	case strings.Contains(lower, "fedora"), strings.Contains(lower, "redhat"), strings.Contains(lower, "rhel"):
		return FamilyFedora
	default:
		return FamilyUnknown
	}
}

// OSFamiliesMatch implements the unattendedInstall-vs-config.os assertion
// from create step 7: both strings must classify to the same family.
func OSFamiliesMatch(unattendedOS, configOS string) bool {
	a, b := ClassifyOS(unattendedOS), ClassifyOS(configOS)
	return a != FamilyUnknown && a == b
}

// DriverPreset is the (disk bus, cache mode, network model) triple a
// family prefers absent an explicit override.
type DriverPreset struct {
	DiskBus      string
	CacheMode    string
	NetworkModel string
}

var familyPresets = map[OSFamily]DriverPreset{
	FamilyUbuntu:  {DiskBus: "virtio", CacheMode: "writeback", NetworkModel: "virtio-net-pci"},
	FamilyFedora:  {DiskBus: "virtio", CacheMode: "writeback", NetworkModel: "virtio-net-pci"},
	FamilyWindows: {DiskBus: "sata", CacheMode: "writethrough", NetworkModel: "e1000"},
}

var hardcodedDefault = DriverPreset{
	DiskBus:      DefaultDiskBus,
	CacheMode:    DefaultCacheMode,
	NetworkModel: DefaultNetworkModel,
}

// ApplyDriverPreset resolves disk bus, cache mode, and network model with
// fallback order explicit → OS-family preset → hardcoded default (§4.6
// create step 8). An empty string in any of explicitBus/explicitCache/
// explicitModel means "not explicitly set".
func ApplyDriverPreset(os, explicitBus, explicitCache, explicitModel string) DriverPreset {
	preset, ok := familyPresets[ClassifyOS(os)]
	if !ok {
		preset = hardcodedDefault
	}

	resolved := DriverPreset{
		DiskBus:      firstNonEmpty(explicitBus, preset.DiskBus, hardcodedDefault.DiskBus),
		CacheMode:    firstNonEmpty(explicitCache, preset.CacheMode, hardcodedDefault.CacheMode),
		NetworkModel: firstNonEmpty(explicitModel, preset.NetworkModel, hardcodedDefault.NetworkModel),
	}

	resolved.DiskBus = DiskBus(resolved.DiskBus)
	resolved.CacheMode = DiskCacheMode(resolved.CacheMode)
	resolved.NetworkModel = NetworkModel(resolved.NetworkModel)
	return resolved
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
