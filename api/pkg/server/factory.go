package server

import (
	"github.com/dosprobe/dosprobe/api/pkg/backend"
	"github.com/dosprobe/dosprobe/api/pkg/config"
	"github.com/dosprobe/dosprobe/api/pkg/dosbox"
	"github.com/dosprobe/dosprobe/api/pkg/qemu"
	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// NewFactory builds backends from the resolved server configuration. Every
// backend starts disconnected; the caller launches or connects it.
func NewFactory(cfg config.ServerConfig) backend.Factory {
	return func(kind types.BackendKind) (backend.Backend, error) {
		switch kind {
		case types.BackendQEMU:
			return qemu.New(qemu.Config{
				Binary:    cfg.QEMU.Binary,
				GDBHost:   cfg.QEMU.GDBHost,
				GDBPort:   cfg.QEMU.GDBPort,
				QMPSocket: cfg.QEMU.QMPSocket,
			}), nil
		case types.BackendDOSBox:
			return dosbox.New(dosbox.Config{
				Binary:      cfg.DOSBox.Binary,
				DriveC:      cfg.DOSBox.DriveC,
				ConfDir:     cfg.Paths.ConfDir,
				CapturesDir: cfg.Paths.CapturesDir,
				StatesDir:   cfg.Paths.StatesDir,
				GameExe:     cfg.DOSBox.GameExe,
				GameISO:     cfg.DOSBox.GameISO,
				Timeout:     cfg.DOSBox.Timeout,
			}), nil
		default:
			return nil, &types.ArgumentError{Field: "backend", Reason: "unknown backend kind"}
		}
	}
}
