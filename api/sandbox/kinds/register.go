// Package kinds holds the per language debug strategies and the default
// image, port and command table they are resolved against.
package kinds

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrUnknownKind is returned when no image or debug command can be found for
// a kind. It is a configuration error.
var ErrUnknownKind = errors.New("unknown kind")

// Container is what a strategy may adjust before the container is created.
type Container struct {
	Env        map[string]string
	WorkingDir string
	Entrypoint []string
}

// Strategy is the debug behavior of one language family.
type Strategy interface {
	Name() string
	// DefaultPort is the debug port inside the container.
	DefaultPort() int
	// Command is the launch command binding the debugger to port.
	Command(port int) string
	// ConfigureContainer adjusts the container before creation.
	ConfigureContainer(c *Container)
	// MountBridge returns stub code that re-reads file (a path inside the
	// container) on every call and runs its main export. ok is false when
	// the family cannot live reload.
	MountBridge(file, main string) (code string, ok bool)
}

// BaseStrategy implements the optional parts of Strategy from the defaults
// table, for embedding.
type BaseStrategy struct {
	name string
}

func (s *BaseStrategy) Name() string { return s.name }

func (s *BaseStrategy) DefaultPort() int {
	if d, ok := lookupDefaults(s.name); ok {
		return d.Port
	}
	return 0
}

func (s *BaseStrategy) Command(port int) string {
	d, ok := lookupDefaults(s.name)
	if !ok {
		return ""
	}
	return strings.Replace(d.Command, "{{port}}", strconv.Itoa(port), -1)
}

func (s *BaseStrategy) ConfigureContainer(c *Container) {}

func (s *BaseStrategy) MountBridge(file, main string) (string, bool) { return "", false }

var (
	lock       sync.RWMutex
	strategies = make(map[string]Strategy)
)

// Register adds a strategy under its family name, replacing an earlier one.
func Register(s Strategy) {
	lock.Lock()
	strategies[s.Name()] = s
	lock.Unlock()
}

// Family strips the version from a kind, nodejs:12 -> nodejs
func Family(kind string) string {
	if i := strings.Index(kind, ":"); i >= 0 {
		return kind[:i]
	}
	return kind
}

// Lookup finds the strategy for a kind or a family.
func Lookup(kind string) (Strategy, bool) {
	lock.RLock()
	defer lock.RUnlock()
	s, ok := strategies[Family(kind)]
	return s, ok
}

type defaults struct {
	Port    int               `yaml:"port"`
	Command string            `yaml:"command"`
	Images  map[string]string `yaml:"images"`
}

//go:embed kinds.yaml
var tableYAML []byte

var (
	tableOnce sync.Once
	table     map[string]defaults
	tableErr  error
)

func loadTable() (map[string]defaults, error) {
	tableOnce.Do(func() {
		tableErr = yaml.Unmarshal(tableYAML, &table)
		if tableErr != nil {
			tableErr = fmt.Errorf("corrupt kinds table: %w", tableErr)
		}
	})
	return table, tableErr
}

func lookupDefaults(family string) (defaults, bool) {
	t, err := loadTable()
	if err != nil {
		return defaults{}, false
	}
	d, ok := t[family]
	return d, ok
}

// DefaultImage returns the runtime image for a full kind.
func DefaultImage(kind string) (string, bool) {
	d, ok := lookupDefaults(Family(kind))
	if !ok {
		return "", false
	}
	if img, ok := d.Images[kind]; ok {
		return img, true
	}
	img, ok := d.Images["default"]
	return img, ok
}

func init() {
	Register(&NodeStrategy{BaseStrategy{name: "nodejs"}})
	Register(&PythonStrategy{BaseStrategy{name: "python"}})
}
