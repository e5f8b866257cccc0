package kinds

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

type PythonStrategy struct {
	BaseStrategy
}

func (s *PythonStrategy) ConfigureContainer(c *Container) {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	c.Env["PYTHONUNBUFFERED"] = "1"
	c.Env["FLASK_APP"] = "/actionProxy/actionproxy.py"
	c.WorkingDir = "/pythonAction"
}

const pythonBridge = `
import importlib.util

def main(args):
    spec = importlib.util.spec_from_file_location(%s, %s)
    mod = importlib.util.module_from_spec(spec)
    spec.loader.exec_module(mod)
    return getattr(mod, %s)(args)
`

func (s *PythonStrategy) MountBridge(file, main string) (string, bool) {
	if main == "" {
		main = "main"
	}
	module := strings.TrimSuffix(path.Base(file), ".py")
	return fmt.Sprintf(pythonBridge, strconv.Quote(module), strconv.Quote(file), strconv.Quote(main)), true
}
