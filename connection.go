package gocnc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LineHandler receives every newline-terminated line read from a
// connection, terminators stripped. It runs on the connection's reader
// goroutine.
type LineHandler func(line string)

// Connection is a raw byte transport. It knows nothing about commands.
type Connection interface {
	Name() string
	Open(ctx context.Context, address string, baud int) error
	Close() error
	// Send writes data in full or returns a *TransportError.
	Send(data []byte) error
	IsOpen() bool
	SetLineHandler(LineHandler)
	// Err yields fatal transport errors, such as a failed read.
	Err() <-chan error
}

type ConnectionInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	New                func(*ConnectionConfig) (Connection, error)
}

func (c *ConnectionInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v ", c.Name, c.Description, c.RequiresSerialPort)
}

type ConnectionConfig struct {
	Debug  bool
	Logger logrus.FieldLogger

	// ReadTimeout bounds each read on the serial port.
	ReadTimeout time.Duration
	// OpenAttempts is how often opening the port is tried.
	OpenAttempts uint
	// ReadBufferSize is the capacity of the line reassembly buffer.
	ReadBufferSize int

	// AckDelay is the loopback's fixed delay before each synthesized ok.
	AckDelay time.Duration
	// Validate makes the loopback answer lines starting with "error" with
	// an error response.
	Validate bool
}

func (cfg *ConnectionConfig) withDefaults() *ConnectionConfig {
	out := ConnectionConfig{}
	if cfg != nil {
		out = *cfg
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 5 * time.Millisecond
	}
	if out.OpenAttempts == 0 {
		out.OpenAttempts = 3
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = 1024
	}
	return &out
}

var (
	connectionMu  sync.RWMutex
	connectionMap = make(map[string]*ConnectionInfo)
)

func NewConnection(name string, cfg *ConnectionConfig) (Connection, error) {
	connectionMu.RLock()
	info, found := connectionMap[strings.ToLower(name)]
	connectionMu.RUnlock()
	if !found {
		return nil, fmt.Errorf("unknown connection %q", name)
	}
	return info.New(cfg.withDefaults())
}

func RegisterConnection(info *ConnectionInfo) error {
	connectionMu.Lock()
	defer connectionMu.Unlock()
	key := strings.ToLower(info.Name)
	if _, found := connectionMap[key]; found {
		return fmt.Errorf("connection %s already registered", info.Name)
	}
	connectionMap[key] = info
	return nil
}

func ListConnectionNames() []string {
	connectionMu.RLock()
	defer connectionMu.RUnlock()
	var out []string
	for _, info := range connectionMap {
		out = append(out, info.Name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListConnections() []ConnectionInfo {
	connectionMu.RLock()
	defer connectionMu.RUnlock()
	var out []ConnectionInfo
	for _, info := range connectionMap {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
