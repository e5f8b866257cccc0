package docker

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"

	units "github.com/docker/go-units"
	"github.com/fnproject/fndebug/api/sandbox"
	"github.com/spf13/pflag"
)

// ErrUnsupportedArg is returned for docker run flags the adapter does not map.
var ErrUnsupportedArg = errors.New("unsupported docker argument")

// ExtraArgs is the subset of `docker run` flags a user may pass through.
type ExtraArgs struct {
	Env        map[string]string
	Mounts     []sandbox.Mount
	Publish    []PortMapping
	Network    string
	Memory     int64
	Entrypoint []string
}

type PortMapping struct {
	HostIP        string
	HostPort      string
	ContainerPort string
}

// ParseExtraArgs reads a docker run style argument string.
func ParseExtraArgs(s string) (*ExtraArgs, error) {
	words, err := splitWords(s)
	if err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("docker-args", pflag.ContinueOnError)
	fs.Usage = func() {}
	fs.SetOutput(ioutil.Discard)
	env := fs.StringArrayP("env", "e", nil, "")
	volumes := fs.StringArrayP("volume", "v", nil, "")
	publish := fs.StringArrayP("publish", "p", nil, "")
	network := fs.String("network", "", "")
	memory := fs.StringP("memory", "m", "", "")
	entrypoint := fs.String("entrypoint", "", "")

	if err := fs.Parse(words); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedArg, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArg, fs.Args())
	}

	x := &ExtraArgs{Env: map[string]string{}, Network: *network}
	for _, e := range *env {
		k, v := e, ""
		if i := strings.IndexByte(e, '='); i >= 0 {
			k, v = e[:i], e[i+1:]
		}
		x.Env[k] = v
	}
	for _, v := range *volumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: bad volume %q", ErrUnsupportedArg, v)
		}
		m := sandbox.Mount{Source: parts[0], Target: parts[1]}
		if len(parts) == 3 {
			m.ReadOnly = parts[2] == "ro"
		}
		x.Mounts = append(x.Mounts, m)
	}
	for _, p := range *publish {
		pm, err := parsePort(p)
		if err != nil {
			return nil, err
		}
		x.Publish = append(x.Publish, pm)
	}
	if *memory != "" {
		x.Memory, err = units.RAMInBytes(*memory)
		if err != nil {
			return nil, fmt.Errorf("%w: bad memory %q", ErrUnsupportedArg, *memory)
		}
	}
	if *entrypoint != "" {
		x.Entrypoint = []string{*entrypoint}
	}
	return x, nil
}

// ip:host:container, host:container or container
func parsePort(s string) (PortMapping, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return PortMapping{HostPort: parts[0], ContainerPort: parts[0]}, nil
	case 2:
		return PortMapping{HostPort: parts[0], ContainerPort: parts[1]}, nil
	case 3:
		return PortMapping{HostIP: parts[0], HostPort: parts[1], ContainerPort: parts[2]}, nil
	}
	return PortMapping{}, fmt.Errorf("%w: bad port %q", ErrUnsupportedArg, s)
}

// splitWords splits on whitespace, honoring single and double quotes.
func splitWords(s string) ([]string, error) {
	var (
		words  []string
		cur    strings.Builder
		quote  rune
		inWord bool
	)
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote, inWord = r, true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated quote", ErrUnsupportedArg)
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
