// Package sandbox describes the local debug container an action runs in and
// speaks the runtime's /init and /run protocol to it.
package sandbox

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dchest/siphash"
	"github.com/fnproject/fndebug/api/models"
	"github.com/fnproject/fndebug/api/sandbox/kinds"
)

const (
	// RuntimePort is where action runtimes listen for /init and /run.
	RuntimePort = 8080
	// MountPath is where the source directory is mounted for live reload.
	MountPath = "/fndebug-src"
	// LabelAction tags containers with the qualified action they debug.
	LabelAction = "fndebug.action"
)

// Mount is a bind mount into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec is everything needed to create the debug container.
type Spec struct {
	Action       string
	Namespace    string
	Kind         string
	Image        string
	InternalPort int
	Port         int
	Command      string
	Env          map[string]string
	WorkingDir   string
	Entrypoint   []string
	Mounts       []Mount
	DockerArgs   string
	MemoryMB     int

	// Code replaces the remote code on /init when set: either the local
	// source or a mount bridge stub.
	Code   string
	Main   string
	Binary bool
}

// Label is the identity label value, namespace/action.
func (s *Spec) Label() string {
	return s.Namespace + "/" + s.Action
}

// ContainerName is stable per action so leftovers are easy to spot.
func (s *Spec) ContainerName() string {
	h := siphash.Hash(0x666e646562756721, 0x6163746976617465, []byte(s.Label()))
	return "fndebug-" + sanitize(s.Action) + "-" + strconv.FormatUint(h, 36)
}

func sanitize(name string) string {
	b := []byte(name)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-') {
			b[i] = '_'
		}
	}
	return string(b)
}

// Handle is a started container.
type Handle struct {
	ID          string
	Name        string
	Image       string
	Host        string
	RuntimePort int
	DebugPort   int
	Mounts      []Mount
}

// RuntimeURL is the base URL of the runtime's HTTP server.
func (h *Handle) RuntimeURL() string {
	host := h.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, h.RuntimePort)
}

// InitPayload is the value of a /init request.
type InitPayload struct {
	Binary bool   `json:"binary"`
	Main   string `json:"main"`
	Code   string `json:"code"`
}

// RunRequest is a /run request.
type RunRequest struct {
	Value           map[string]interface{} `json:"value"`
	APIHost         string                 `json:"api_host"`
	APIKey          string                 `json:"api_key"`
	Namespace       string                 `json:"namespace"`
	ActionName      string                 `json:"action_name"`
	ActivationID    string                 `json:"activation_id"`
	Deadline        string                 `json:"deadline"`
	AllowConcurrent bool                   `json:"allow_concurrent"`
}

// NewRunRequest fills in the invocation metadata for one activation.
func NewRunRequest(spec *Spec, a *models.Activation, apiHost, apiKey string, timeout time.Duration) *RunRequest {
	deadline := a.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(timeout)
	}
	return &RunRequest{
		Value:           a.Params,
		APIHost:         apiHost,
		APIKey:          apiKey,
		Namespace:       spec.Namespace,
		ActionName:      "/" + spec.Namespace + "/" + spec.Action,
		ActivationID:    a.ID,
		Deadline:        strconv.FormatInt(deadline.UnixNano()/int64(time.Millisecond), 10),
		AllowConcurrent: true,
	}
}

// Runtime owns one debug container.
type Runtime interface {
	Start(ctx context.Context, spec *Spec) (*Handle, error)
	Init(ctx context.Context, payload *InitPayload) error
	Run(ctx context.Context, req *RunRequest) (models.Result, error)
	// Stop removes the container, stopping twice is fine.
	Stop(ctx context.Context) error
}

// Options are the user choices Prepare works from.
type Options struct {
	kinds.Overrides
	Source     string
	Main       string
	DockerArgs string
}

// Prepare resolves the container spec for action. With a source file the
// code comes from disk: mounted behind a bridge stub when the kind can live
// reload, pushed as is otherwise.
func Prepare(action *models.Action, opts Options) (*Spec, error) {
	r, err := kinds.Resolve(action, opts.Overrides)
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		Action:       action.Name,
		Namespace:    action.Namespace,
		Kind:         r.Kind,
		Image:        r.Image,
		InternalPort: r.InternalPort,
		Port:         r.Port,
		Command:      r.Command,
		DockerArgs:   opts.DockerArgs,
		MemoryMB:     action.Limits.Memory,
		Main:         firstNonEmpty(opts.Main, action.Exec.Main),
		Binary:       action.Exec.Binary,
	}

	if r.Strategy != nil {
		c := &kinds.Container{Env: map[string]string{}}
		r.Strategy.ConfigureContainer(c)
		spec.Env, spec.WorkingDir, spec.Entrypoint = c.Env, c.WorkingDir, c.Entrypoint
	}

	if opts.Source == "" {
		return spec, nil
	}

	abs, err := filepath.Abs(opts.Source)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("cannot read source: %w", err)
	}

	if r.Strategy != nil {
		inContainer := MountPath + "/" + filepath.Base(abs)
		if code, ok := r.Strategy.MountBridge(inContainer, spec.Main); ok {
			spec.Mounts = append(spec.Mounts, Mount{Source: filepath.Dir(abs), Target: MountPath, ReadOnly: true})
			spec.Code = code
			spec.Main = "main"
			spec.Binary = false
			return spec, nil
		}
	}

	code, err := ioutil.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	spec.Code = string(code)
	spec.Binary = false
	return spec, nil
}

// InitFor builds the /init payload, preferring local code in spec over
// the remote action's.
func InitFor(spec *Spec, remote *models.Action) *InitPayload {
	if spec.Code != "" {
		return &InitPayload{Code: spec.Code, Main: firstNonEmpty(spec.Main, "main"), Binary: spec.Binary}
	}
	return &InitPayload{
		Code:   remote.Exec.Code,
		Main:   firstNonEmpty(spec.Main, remote.Exec.Main, "main"),
		Binary: remote.Exec.Binary,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
