package hal

import (
	"fmt"
	"log"
	"sync"
)

// Board type discriminators used in persisted configuration.
const (
	BoardTypeArduino     = "arduino"
	BoardTypeRaspberryPi = "raspberry_pi"
	BoardTypeMock        = "mock"
)

// Backend registration keys. A raspberry_pi config selects the local
// or remote backend from its port shape: empty port means the native
// driver on this machine, anything else is a daemon hostname.
const (
	BackendKeyArduino  = "arduino"
	BackendKeyPiLocal  = "raspberry_pi/local"
	BackendKeyPiRemote = "raspberry_pi/remote"
)

// BoardConfig is the persisted shape of one board, consumed by the
// experiment save/load layer. Port semantics: empty = local GPIO,
// hostname/IP = remote daemon, device path = serial port.
type BoardConfig struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Port          string `json:"port" yaml:"port"`
	AutoReconnect bool   `json:"auto_reconnect" yaml:"auto_reconnect"`
	BoardType     string `json:"board_type" yaml:"board_type"`
}

// BackendFactory builds a backend for one registered backend key.
type BackendFactory func(cfg BoardConfig, logger *log.Logger) (Backend, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend constructor available to
// NewBoardFromConfig. Backend packages call this from init, in the
// manner of database/sql drivers; callers select a backend by blank
// importing its package.
func RegisterBackend(key string, f BackendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[key]; dup {
		panic("hal: RegisterBackend called twice for " + key)
	}
	factories[key] = f
}

// backendKey maps a persisted config onto a registration key.
func backendKey(cfg BoardConfig) (string, error) {
	switch cfg.BoardType {
	case BoardTypeArduino:
		return BackendKeyArduino, nil
	case BoardTypeRaspberryPi:
		if cfg.Port == "" {
			return BackendKeyPiLocal, nil
		}
		return BackendKeyPiRemote, nil
	case BoardTypeMock:
		return BoardTypeMock, nil
	default:
		return "", fmt.Errorf("unknown board_type %q", cfg.BoardType)
	}
}

// KnownBoardType reports whether t is a recognised board_type value.
func KnownBoardType(t string) bool {
	switch t {
	case BoardTypeArduino, BoardTypeRaspberryPi, BoardTypeMock:
		return true
	}
	return false
}

// NewBoardFromConfig reconstructs a board from its persisted
// configuration, choosing the concrete backend once from the
// board_type/port shape. The board's ID is preserved; a missing ID is
// generated.
func NewBoardFromConfig(cfg BoardConfig, logger *log.Logger) (*Board, error) {
	key, err := backendKey(cfg)
	if err != nil {
		return nil, err
	}

	if key == BoardTypeMock {
		return NewBoard(cfg, NewMockBackend(), logger), nil
	}

	factoriesMu.Lock()
	factory, ok := factories[key]
	factoriesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q (missing import?)", key)
	}

	backend, err := factory(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewBoard(cfg, backend, logger), nil
}
