// Package store defines the database adapter contract (§6) that the
// Lifecycle Coordinator and State Synchronizer depend on, plus a concrete
// sqlite-backed implementation. Any backing store that satisfies Store
// works; the coordinator never type-asserts down to a concrete adapter.
package store

import (
	"context"
	"errors"

	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by TransitionVMStatus when the expected
// (status, version) pair does not match the current row.
var ErrVersionConflict = errors.New("store: version conflict")

// MachineSummary is the minimal projection returned by FindMachine.
type MachineSummary struct {
	ID     string
	Status vmconfig.Status
}

// RunningVM is the projection returned by FindRunningVMs, carrying just
// enough configuration for crash-reconciliation.
type RunningVM struct {
	ID                   string
	Status               vmconfig.Status
	QEMUPid              int
	TapDeviceName        string
	QMPSocketPath        string
	GuestAgentSocketPath string
	HostAgentSocketPath  string
}

// TransitionResult is returned by TransitionVMStatus on success.
type TransitionResult struct {
	NewVersion int
	Record     *vmconfig.Record
}

// PartialUpdate carries a sparse set of fields to merge into a record via
// UpdateMachineConfiguration. Nil fields are left untouched.
type PartialUpdate struct {
	Status                *vmconfig.Status
	QMPSocketPath         *string
	QEMUPid               *int
	TapDeviceName         *string
	GraphicPort           *int
	DiskPaths             []string
	EffectiveMachineType  *string
	EffectiveNetworkModel *string
	EffectiveQueues       *int
	FirmwarePath          *string
	MACAddress            *string
}

// Store is the database adapter contract (§6).
type Store interface {
	FindMachine(ctx context.Context, id string) (*MachineSummary, error)
	UpdateMachineStatus(ctx context.Context, id string, status vmconfig.Status) error
	FindRunningVMs(ctx context.Context) ([]RunningVM, error)
	ListKnownTapDevices(ctx context.Context) ([]string, error)
	ClearMachineConfiguration(ctx context.Context, id string) error
	ClearVolatileMachineConfiguration(ctx context.Context, id string) error
	FindMachineWithConfig(ctx context.Context, id string) (*vmconfig.Record, error)
	UpdateMachineConfiguration(ctx context.Context, id string, upd PartialUpdate) error
	TransitionVMStatus(ctx context.Context, id string, expectedStatus vmconfig.Status, newStatus vmconfig.Status, expectedVersion int) (*TransitionResult, error)
	GetFirewallRules(ctx context.Context, vmID string) ([]vmconfig.FirewallRule, error)

	CreateMachine(ctx context.Context, r *vmconfig.Record) error
	DeleteMachine(ctx context.Context, id string) error
}
