package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dosprobe/dosprobe/api/pkg/capture"
	"github.com/dosprobe/dosprobe/api/pkg/system"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// maxMemoryRead caps one HTTP memory read; real-mode guests only have 1 MiB
// plus change anyway.
const maxMemoryRead = 4 << 20

func (s *Server) getBackendStatus(_ http.ResponseWriter, _ *http.Request) (types.StatusInfo, error) {
	b := s.holder.Get()
	if b == nil {
		return types.StatusInfo{Status: types.StatusDisconnected}, nil
	}
	return b.Status(), nil
}

type selectBackendRequest struct {
	Backend string `json:"backend"`
}

type selectBackendResponse struct {
	Backend types.BackendKind `json:"backend"`
}

// selectBackend is the only handler that reseats the holder.
func (s *Server) selectBackend(_ http.ResponseWriter, req *http.Request) (selectBackendResponse, *system.HTTPError) {
	var body selectBackendRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return selectBackendResponse{}, system.NewHTTPError400(fmt.Sprintf("invalid request body: %s", err))
	}
	kind, err := types.ParseBackendKind(body.Backend)
	if err != nil {
		return selectBackendResponse{}, system.NewHTTPError400(err.Error())
	}
	if s.factory == nil {
		return selectBackendResponse{}, system.NewHTTPError503("no backend factory configured")
	}

	b, err := s.factory(kind)
	if err != nil {
		return selectBackendResponse{}, system.FromError(err)
	}
	s.Seat(req.Context(), b)
	return selectBackendResponse{Backend: kind}, nil
}

func (s *Server) getLaunchDefaults(_ http.ResponseWriter, _ *http.Request) (types.LaunchConfig, error) {
	return types.LaunchConfig{
		Mode:      types.ModeInteractive,
		Headless:  true,
		GDBPort:   s.cfg.QEMU.GDBPort,
		QMPSocket: s.cfg.QEMU.QMPSocket,
	}, nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) launch(_ http.ResponseWriter, req *http.Request) (types.StatusInfo, error) {
	b, err := s.current()
	if err != nil {
		return types.StatusInfo{}, err
	}
	var cfg types.LaunchConfig
	if err := json.NewDecoder(req.Body).Decode(&cfg); err != nil {
		return types.StatusInfo{}, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	if err := b.Launch(req.Context(), cfg); err != nil {
		return types.StatusInfo{}, err
	}
	return b.Status(), nil
}

func (s *Server) shutdown(_ http.ResponseWriter, req *http.Request) (okResponse, error) {
	b, err := s.current()
	if err != nil {
		return okResponse{}, err
	}
	if err := b.Shutdown(req.Context()); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

func (s *Server) getRegisters(_ http.ResponseWriter, req *http.Request) (types.Registers, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	return b.ReadRegisters(req.Context())
}

type memoryEnvelope struct {
	Address  string `json:"address"`
	Size     int    `json:"size"`
	Data     string `json:"data"`
	Checksum string `json:"checksum"`
}

// readMemory serves GET /api/memory/{addr}/{size}?format=raw|base64. The
// raw form streams octets; the default is a JSON envelope with base64
// payload and content hash.
func (s *Server) readMemory(res http.ResponseWriter, req *http.Request) {
	b, err := s.current()
	if err != nil {
		http.Error(res, err.Error(), http.StatusServiceUnavailable)
		return
	}

	vars := mux.Vars(req)
	addr, err := types.ParseAddress(vars["addr"])
	if err != nil {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	size, err := strconv.Atoi(vars["size"])
	if err != nil || size <= 0 || size > maxMemoryRead {
		http.Error(res, "size must be a positive integer", http.StatusBadRequest)
		return
	}

	data, err := b.ReadMemory(req.Context(), addr, size)
	if err != nil {
		httpErr := system.FromError(err)
		http.Error(res, httpErr.Message, httpErr.StatusCode)
		return
	}

	if req.URL.Query().Get("format") == "raw" {
		res.Header().Set("Content-Type", "application/octet-stream")
		_, _ = res.Write(data)
		return
	}

	res.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(res).Encode(memoryEnvelope{
		Address:  addr.String(),
		Size:     len(data),
		Data:     base64.StdEncoding.EncodeToString(data),
		Checksum: capture.Checksum(data),
	})
}

type writeMemoryRequest struct {
	Data string `json:"data"`
}

func (s *Server) writeMemory(_ http.ResponseWriter, req *http.Request) (okResponse, error) {
	b, err := s.current()
	if err != nil {
		return okResponse{}, err
	}
	addr, err := types.ParseAddress(mux.Vars(req)["addr"])
	if err != nil {
		return okResponse{}, err
	}
	var body writeMemoryRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return okResponse{}, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return okResponse{}, &types.ArgumentError{Field: "data", Reason: "must be base64"}
	}
	if len(data) == 0 {
		return okResponse{}, &types.ArgumentError{Field: "data", Reason: "must not be empty"}
	}
	if err := b.WriteMemory(req.Context(), addr, data); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

// screenshot returns the backend's native image bytes with the matching
// content type.
func (s *Server) screenshot(res http.ResponseWriter, req *http.Request) {
	b, err := s.current()
	if err != nil {
		http.Error(res, err.Error(), http.StatusServiceUnavailable)
		return
	}
	data, format, err := b.Screenshot(req.Context())
	if err != nil {
		httpErr := system.FromError(err)
		http.Error(res, httpErr.Message, httpErr.StatusCode)
		return
	}
	res.Header().Set("Content-Type", format.ContentType())
	_, _ = res.Write(data)
}

type sendKeysRequest struct {
	Keys  []string `json:"keys"`
	Delay int      `json:"delay,omitempty"` // milliseconds
}

func (s *Server) sendKeys(_ http.ResponseWriter, req *http.Request) (okResponse, error) {
	b, err := s.current()
	if err != nil {
		return okResponse{}, err
	}
	var body sendKeysRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return okResponse{}, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	if len(body.Keys) == 0 {
		return okResponse{}, &types.ArgumentError{Field: "keys", Reason: "must not be empty"}
	}
	if err := b.SendKeys(req.Context(), body.Keys, time.Duration(body.Delay)*time.Millisecond); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

func (s *Server) listBreakpoints(_ http.ResponseWriter, req *http.Request) ([]*types.Breakpoint, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	bps, err := b.ListBreakpoints(req.Context())
	if err != nil {
		return nil, err
	}
	if bps == nil {
		bps = []*types.Breakpoint{}
	}
	return bps, nil
}

type setBreakpointRequest struct {
	Address string `json:"address"`
}

func (s *Server) setBreakpoint(_ http.ResponseWriter, req *http.Request) (*types.Breakpoint, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	var body setBreakpointRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	addr, err := types.ParseAddress(body.Address)
	if err != nil {
		return nil, err
	}
	return b.SetBreakpoint(req.Context(), addr)
}

func (s *Server) removeBreakpoint(_ http.ResponseWriter, req *http.Request) (okResponse, error) {
	b, err := s.current()
	if err != nil {
		return okResponse{}, err
	}
	if err := b.RemoveBreakpoint(req.Context(), mux.Vars(req)["id"]); err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

func (s *Server) pause(_ http.ResponseWriter, req *http.Request) (types.StatusInfo, error) {
	b, err := s.current()
	if err != nil {
		return types.StatusInfo{}, err
	}
	if err := b.Pause(req.Context()); err != nil {
		return types.StatusInfo{}, err
	}
	return b.Status(), nil
}

func (s *Server) resume(_ http.ResponseWriter, req *http.Request) (types.StatusInfo, error) {
	b, err := s.current()
	if err != nil {
		return types.StatusInfo{}, err
	}
	if err := b.Resume(req.Context()); err != nil {
		return types.StatusInfo{}, err
	}
	return b.Status(), nil
}

func (s *Server) step(_ http.ResponseWriter, req *http.Request) (types.Registers, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	if err := b.Step(req.Context()); err != nil {
		return nil, err
	}
	return b.ReadRegisters(req.Context())
}

func (s *Server) listSnapshots(_ http.ResponseWriter, req *http.Request) ([]types.Snapshot, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	snaps, err := b.ListSnapshots(req.Context())
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []types.Snapshot{}
	}
	return snaps, nil
}

type snapshotOpRequest struct {
	// Action is "save" or "load".
	Action string `json:"action"`
	Name   string `json:"name"`
}

func (s *Server) snapshotOp(_ http.ResponseWriter, req *http.Request) (okResponse, error) {
	b, err := s.current()
	if err != nil {
		return okResponse{}, err
	}
	var body snapshotOpRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return okResponse{}, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	if body.Name == "" {
		return okResponse{}, &types.ArgumentError{Field: "name", Reason: "a snapshot name is required"}
	}
	switch body.Action {
	case "save":
		err = b.SaveSnapshot(req.Context(), body.Name)
	case "load":
		err = b.LoadSnapshot(req.Context(), body.Name)
	default:
		return okResponse{}, &types.ArgumentError{Field: "action", Reason: "must be \"save\" or \"load\""}
	}
	if err != nil {
		return okResponse{}, err
	}
	return okResponse{OK: true}, nil
}

func (s *Server) runCapture(_ http.ResponseWriter, req *http.Request) (*types.CaptureResult, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	var captureReq types.CaptureRequest
	if err := json.NewDecoder(req.Body).Decode(&captureReq); err != nil {
		return nil, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	start := time.Now()
	result, err := s.runner.Run(req.Context(), b, captureReq)
	observeCaptureDuration(time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) listCaptures(_ http.ResponseWriter, _ *http.Request) (map[string][]string, error) {
	return capture.Inventory(s.cfg.Paths.CapturesDir)
}

// goldenRequest is a capture request that also accepts the golden API's
// testName key as an alias for the artifact prefix.
type goldenRequest struct {
	types.CaptureRequest
	TestName string `json:"testName,omitempty"`
}

func decodeGoldenRequest(req *http.Request) (types.CaptureRequest, error) {
	var body goldenRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return types.CaptureRequest{}, &types.ArgumentError{Field: "body", Reason: err.Error()}
	}
	if body.Prefix == "" {
		body.Prefix = body.TestName
	}
	return body.CaptureRequest, nil
}

func (s *Server) goldenGenerate(_ http.ResponseWriter, req *http.Request) (*types.CaptureResult, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	captureReq, err := decodeGoldenRequest(req)
	if err != nil {
		return nil, err
	}
	return s.golden.Generate(req.Context(), b, captureReq)
}

func (s *Server) goldenCompare(_ http.ResponseWriter, req *http.Request) ([]types.GoldenComparison, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	captureReq, err := decodeGoldenRequest(req)
	if err != nil {
		return nil, err
	}
	return s.golden.Compare(req.Context(), b, captureReq)
}
