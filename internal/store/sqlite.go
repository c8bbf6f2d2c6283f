package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/infinibay/hyperctl/internal/vmconfig"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

var log = hclog.For("store")

// SQLiteStore is the concrete Store implementation backed by a pure-Go
// sqlite driver (no cgo), a common registry adapter pattern for
// single-host control planes.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and runs
// migrations.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS machines (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			internal_name    TEXT NOT NULL UNIQUE,
			os               TEXT NOT NULL,
			record_json      TEXT NOT NULL,
			status           TEXT NOT NULL,
			version          INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at       TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS firewall_rules (
			id            TEXT PRIMARY KEY,
			scope         TEXT NOT NULL,   -- 'department' or vmId
			rule_json     TEXT NOT NULL,
			priority      INTEGER NOT NULL
		);
	`)
	return err
}

func (s *SQLiteStore) CreateMachine(ctx context.Context, r *vmconfig.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machines (id, name, internal_name, os, record_json, status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.VMID, r.Name, r.InternalName, r.OS, string(data), string(r.Status), r.Version)
	return err
}

func (s *SQLiteStore) DeleteMachine(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) FindMachine(ctx context.Context, id string) (*MachineSummary, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM machines WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &MachineSummary{ID: id, Status: vmconfig.Status(status)}, nil
}

func (s *SQLiteStore) loadRecord(ctx context.Context, id string) (*vmconfig.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM machines WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r vmconfig.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) saveRecord(ctx context.Context, r *vmconfig.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE machines SET record_json = ?, status = ?, version = ?, updated_at = datetime('now')
		WHERE id = ?
	`, string(data), string(r.Status), r.Version, r.VMID)
	return err
}

func (s *SQLiteStore) FindMachineWithConfig(ctx context.Context, id string) (*vmconfig.Record, error) {
	return s.loadRecord(ctx, id)
}

func (s *SQLiteStore) UpdateMachineStatus(ctx context.Context, id string, status vmconfig.Status) error {
	r, err := s.loadRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Idempotent on missing row, per §6 contract -- a delete race during
		// shutdown must not raise.
		return nil
	}
	if err != nil {
		return err
	}
	r.Status = status
	return s.saveRecord(ctx, r)
}

func (s *SQLiteStore) ClearMachineConfiguration(ctx context.Context, id string) error {
	r, err := s.loadRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.ClearVolatileAll()
	return s.saveRecord(ctx, r)
}

func (s *SQLiteStore) ClearVolatileMachineConfiguration(ctx context.Context, id string) error {
	r, err := s.loadRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.ClearVolatilePreserveTap()
	return s.saveRecord(ctx, r)
}

func (s *SQLiteStore) UpdateMachineConfiguration(ctx context.Context, id string, upd PartialUpdate) error {
	r, err := s.loadRecord(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// Not an upsert: a missing record returns ErrNotFound and the
		// partial update is not applied.
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if upd.Status != nil {
		r.Status = *upd.Status
	}
	if upd.QMPSocketPath != nil {
		r.QMPSocketPath = *upd.QMPSocketPath
	}
	if upd.QEMUPid != nil {
		r.QEMUPid = *upd.QEMUPid
	}
	if upd.TapDeviceName != nil {
		r.TapDeviceName = *upd.TapDeviceName
	}
	if upd.GraphicPort != nil {
		r.GraphicPort = *upd.GraphicPort
	}
	if upd.DiskPaths != nil {
		r.DiskPaths = upd.DiskPaths
	}
	if upd.EffectiveMachineType != nil {
		r.EffectiveMachineType = *upd.EffectiveMachineType
	}
	if upd.EffectiveNetworkModel != nil {
		r.EffectiveNetworkModel = *upd.EffectiveNetworkModel
	}
	if upd.EffectiveQueues != nil {
		r.EffectiveNetworkQueues = *upd.EffectiveQueues
	}
	if upd.FirmwarePath != nil {
		r.FirmwarePath = *upd.FirmwarePath
	}
	if upd.MACAddress != nil {
		r.MACAddress = *upd.MACAddress
	}

	return s.saveRecord(ctx, r)
}

// TransitionVMStatus implements the compare-and-swap named in §6 and §9:
// expected status + expected version must both match the current row, or
// the caller gets ErrVersionConflict (version mismatch) or an invalid-state
// style error (status mismatch).
func (s *SQLiteStore) TransitionVMStatus(ctx context.Context, id string, expectedStatus, newStatus vmconfig.Status, expectedVersion int) (*TransitionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var data string
	var curStatus string
	var curVersion int
	err = tx.QueryRowContext(ctx, `SELECT record_json, status, version FROM machines WHERE id = ?`, id).
		Scan(&data, &curStatus, &curVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if curVersion != expectedVersion {
		return nil, ErrVersionConflict
	}
	if vmconfig.Status(curStatus) != expectedStatus {
		return nil, fmt.Errorf("store: status mismatch: expected %s, got %s", expectedStatus, curStatus)
	}

	var r vmconfig.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	r.Status = newStatus
	r.Version = curVersion + 1

	newData, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE machines SET record_json = ?, status = ?, version = ?, updated_at = datetime('now')
		WHERE id = ?
	`, string(newData), string(newStatus), r.Version, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &TransitionResult{NewVersion: r.Version, Record: &r}, nil
}

func (s *SQLiteStore) FindRunningVMs(ctx context.Context) ([]RunningVM, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM machines WHERE status = ?`, string(vmconfig.StatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunningVM
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r vmconfig.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			log.Warn("skipping unreadable record during FindRunningVMs: %v", err)
			continue
		}
		out = append(out, RunningVM{
			ID:                   r.VMID,
			Status:               r.Status,
			QEMUPid:              r.QEMUPid,
			TapDeviceName:        r.TapDeviceName,
			QMPSocketPath:        r.QMPSocketPath,
			GuestAgentSocketPath: r.GuestAgentSocketPath,
			HostAgentSocketPath:  r.HostAgentSocketPath,
		})
	}
	return out, rows.Err()
}

// ListKnownTapDevices returns every non-empty tapDeviceName across all
// persisted machines regardless of status, so an orphan sweep can tell a
// TAP still bound to some VM record (even an off one, which preserves its
// TAP per the stop-path contract) from one nothing references anymore.
func (s *SQLiteStore) ListKnownTapDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_json FROM machines`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r vmconfig.Record
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			log.Warn("skipping unreadable record during ListKnownTapDevices: %v", err)
			continue
		}
		if r.TapDeviceName != "" {
			out = append(out, r.TapDeviceName)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetFirewallRules(ctx context.Context, vmID string) ([]vmconfig.FirewallRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_json FROM firewall_rules WHERE scope = 'department' OR scope = ?
		ORDER BY priority ASC
	`, vmID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vmconfig.FirewallRule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rule vmconfig.FirewallRule
		if err := json.Unmarshal([]byte(data), &rule); err != nil {
			return nil, fmt.Errorf("unmarshal rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
