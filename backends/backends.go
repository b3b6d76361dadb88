// Package backends defines the interface a device data plane needs to implement so the
// sharding package can place array fragments on devices.
//
// It is a deliberately small surface: backends only move flat data in and out of per-device
// buffers (see DataInterface). Compilation or execution of computations is out of scope.
//
// Backends register themselves with Register, usually from an init() function, so importing
// a backend package for its side effects is enough to make it available:
//
//	import _ "github.com/gomlx/sharding/backends/hostgo"
//
//	backend, err := backends.New()
package backends

import (
	"os"
	"sort"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// DeviceNum identifies which device holds a buffer.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a device data plane.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "host" for the in-process host backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() DeviceNum

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from devices.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted alphabetically.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the backend configuration to use if the ConfigEnvVar environment
// variable is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the name of the environment variable with the default backend
// configuration to use: "GOMLX_BACKEND".
//
// The format of the config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "host") and
// "<backend_configuration>" is backend specific (e.g.: for the host backend, the number of
// virtual devices).
const ConfigEnvVar = "GOMLX_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
//  1. The environment variable ConfigEnvVar ("GOMLX_BACKEND") is used as a configuration if defined.
//  2. Next the variable DefaultConfig is used as a configuration if defined.
//  3. The first registered backend is used with an empty configuration.
//
// It returns an error if no backend was registered or if the construction fails.
func New() (Backend, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but it panics in case of an error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig returns a new Backend for the given configuration string, formatted as
// "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "host") and
// "<backend_configuration>" is backend specific. If the configuration has no ":" separator,
// it is all passed to the first registered backend as its configuration.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf("no registered backends -- maybe import the default one "+
			"with import _ %q?", "github.com/gomlx/sharding/backends/hostgo")
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "building backend %q from configuration %q", backendName, config)
	}
	return backend, nil
}

// MustNewWithConfig is like NewWithConfig, but it panics in case of an error.
func MustNewWithConfig(config string) Backend {
	backend, err := NewWithConfig(config)
	if err != nil {
		exceptions.Panicf("backends.MustNewWithConfig(%q): %+v", config, err)
	}
	return backend
}
