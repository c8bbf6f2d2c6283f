package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/infinibay/hyperctl/internal/coordinator"
	"github.com/infinibay/hyperctl/internal/eventbus"
	"github.com/infinibay/hyperctl/internal/vmconfig"
)

// createRequestBody is the wire shape of POST /vms, mapping one-to-one
// onto coordinator.CreateRequest.
type createRequestBody struct {
	VMID         string `json:"vmId"`
	Name         string `json:"name"`
	InternalName string `json:"internalName"`
	OS           string `json:"os"`

	CPUCores int             `json:"cpuCores"`
	RAMGB    int             `json:"ramGb"`
	Disks    []vmconfig.Disk `json:"disks"`

	Bridge     string `json:"bridge"`
	MACAddress string `json:"macAddress,omitempty"`

	Display vmconfig.Display `json:"display"`

	Passthrough *vmconfig.PCIPassthrough `json:"passthrough,omitempty"`

	FirmwarePath string `json:"firmwarePath,omitempty"`
	Hugepages    bool   `json:"hugepages"`
	Balloon      bool   `json:"balloon"`

	CPUPinning  *vmconfig.CPUPinning    `json:"cpuPinning,omitempty"`
	NUMAPinning vmconfig.PinningStrategy `json:"numaPinning,omitempty"`

	MachineType   string `json:"machineType,omitempty"`
	DiskBus       string `json:"diskBus,omitempty"`
	DiskCache     string `json:"diskCache,omitempty"`
	NetworkModel  string `json:"networkModel,omitempty"`
	NetworkQueues int    `json:"networkQueues,omitempty"`

	UnattendedInstallOS  string `json:"unattendedInstallOs,omitempty"`
	UnattendedInstallISO string `json:"unattendedInstallIso,omitempty"`

	HostCPUCount int `json:"hostCpuCount,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-request-body", err)
		return
	}

	req := coordinator.CreateRequest{
		VMID: body.VMID, Name: body.Name, InternalName: body.InternalName, OS: body.OS,
		CPUCores: body.CPUCores, RAMGB: body.RAMGB, Disks: body.Disks,
		Bridge: body.Bridge, MACAddress: body.MACAddress, Display: body.Display,
		Passthrough: body.Passthrough, FirmwarePath: body.FirmwarePath,
		Hugepages: body.Hugepages, Balloon: body.Balloon,
		CPUPinning: body.CPUPinning, NUMAPinning: body.NUMAPinning,
		MachineType: body.MachineType, DiskBus: body.DiskBus, DiskCache: body.DiskCache,
		NetworkModel: body.NetworkModel, NetworkQueues: body.NetworkQueues,
		UnattendedInstallOS: body.UnattendedInstallOS, UnattendedInstallISO: body.UnattendedInstallISO,
		HostCPUCount: body.HostCPUCount,
	}

	result, err := s.coord.Create(r.Context(), req)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	opts := coordinator.DefaultStopOptions()
	var body struct {
		Graceful *bool `json:"graceful"`
		Force    *bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid-request-body", err)
			return
		}
		if body.Graceful != nil {
			opts.Graceful = *body.Graceful
		}
		if body.Force != nil {
			opts.Force = *body.Force
		}
	}

	result, err := s.coord.Stop(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Suspend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Destroy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleReconcile runs an on-demand crash-recovery sweep, the same
// operation the daemon's background ticker runs periodically.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.Reconcile(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.coord.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEvents streams the event bus as server-sent events, scoped to the
// path's vm id.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	vmID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming-unsupported", fmt.Errorf("response writer does not support flushing"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan eventbus.Event, 16)
	unsubscribe := s.bus.Subscribe(func(ev eventbus.Event) {
		if ev.VMID != vmID {
			return
		}
		select {
		case events <- ev:
		default:
			log.Warn("vm %s: sse subscriber backlog full, dropping event %s", vmID, ev.Topic)
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, payload)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]string{"code": code, "error": err.Error()})
}

// writeLifecycleError maps a coordinator.LifecycleError's code to an HTTP
// status, per the error taxonomy the coordinator surfaces.
func writeLifecycleError(w http.ResponseWriter, err error) {
	var le *coordinator.LifecycleError
	if !errors.As(err, &le) {
		writeError(w, http.StatusInternalServerError, "unknown", err)
		return
	}

	status := http.StatusInternalServerError
	switch le.Code {
	case coordinator.ErrInvalidConfig, coordinator.ErrInvalidState:
		status = http.StatusBadRequest
	case coordinator.ErrVMNotFound:
		status = http.StatusNotFound
	case coordinator.ErrConcurrentModify, coordinator.ErrVersionConflict:
		status = http.StatusConflict
	case coordinator.ErrResourceUnavailable:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"code":  string(le.Code),
		"vmId":  le.VMID,
		"error": le.Error(),
	})
}
