package kinds

import (
	"fmt"
	"strconv"

	"github.com/fnproject/fndebug/api/models"
)

// Annotations an action can carry to describe its own debug setup.
const (
	AnnotationImage   = "debug.image"
	AnnotationPort    = "debug.port"
	AnnotationCommand = "debug.command"
)

// Overrides are the user supplied values, zero means unset.
type Overrides struct {
	Kind         string
	Image        string
	InternalPort int
	Port         int
	Command      string
}

// Resolved is the debug setup for one action.
type Resolved struct {
	Kind string
	// Strategy is nil for kinds without a registered family
	Strategy     Strategy
	Image        string
	InternalPort int
	Port         int
	Command      string
}

// Resolve picks image, ports and command for a, each from the first of:
// the override, the action's own metadata, the defaults table.
func Resolve(a *models.Action, o Overrides) (*Resolved, error) {
	r := &Resolved{Kind: o.Kind}
	if r.Kind == "" {
		r.Kind = a.Kind()
	}
	r.Strategy, _ = Lookup(r.Kind)

	r.Image = firstString(o.Image, blackboxImage(a), a.Annotations.GetString(AnnotationImage))
	if r.Image == "" {
		r.Image, _ = DefaultImage(r.Kind)
	}

	r.InternalPort = o.InternalPort
	if r.InternalPort == 0 {
		if p, err := strconv.Atoi(a.Annotations.GetString(AnnotationPort)); err == nil {
			r.InternalPort = p
		}
	}
	if r.InternalPort == 0 && r.Strategy != nil {
		r.InternalPort = r.Strategy.DefaultPort()
	}

	r.Port = o.Port
	if r.Port == 0 {
		r.Port = r.InternalPort
	}

	r.Command = firstString(o.Command, a.Annotations.GetString(AnnotationCommand))
	if r.Command == "" && r.Strategy != nil {
		r.Command = r.Strategy.Command(r.InternalPort)
	}

	switch {
	case r.Image == "":
		return nil, fmt.Errorf("%w %q: no image, set --image", ErrUnknownKind, r.Kind)
	case r.Command == "":
		return nil, fmt.Errorf("%w %q: no debug command, set --command", ErrUnknownKind, r.Kind)
	case r.InternalPort == 0:
		return nil, fmt.Errorf("%w %q: no debug port, set --internal-port", ErrUnknownKind, r.Kind)
	}
	return r, nil
}

func blackboxImage(a *models.Action) string {
	if a.Kind() == models.KindBlackbox {
		return a.Exec.Image
	}
	return ""
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
