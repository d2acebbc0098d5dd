package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer WebServer
	QEMU      QEMU
	DOSBox    DOSBox
	Paths     Paths
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8080"`
}

type QEMU struct {
	Binary    string `envconfig:"QEMU_BINARY" default:"qemu-system-i386"`
	GDBHost   string `envconfig:"QEMU_GDB_HOST" default:"localhost"`
	GDBPort   int    `envconfig:"QEMU_GDB_PORT" default:"1234"`
	QMPSocket string `envconfig:"QEMU_QMP_SOCKET" default:"/tmp/dosprobe-qmp.sock"`
}

type DOSBox struct {
	Binary  string        `envconfig:"DOSBOX_BINARY" default:"dosbox-x"`
	DriveC  string        `envconfig:"DOSBOX_DRIVE_C" default:"./drive_c"`
	GameExe string        `envconfig:"DOSBOX_GAME_EXE"`
	GameISO string        `envconfig:"DOSBOX_GAME_ISO"`
	Timeout time.Duration `envconfig:"DOSBOX_SESSION_TIMEOUT" default:"45s"`
}

type Paths struct {
	CapturesDir string `envconfig:"CAPTURES_DIR" default:"./captures"`
	GoldenDir   string `envconfig:"GOLDEN_DIR" default:"./golden"`
	StatesDir   string `envconfig:"STATES_DIR" default:"./states"`
	ConfDir     string `envconfig:"CONF_DIR" default:"./conf"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
