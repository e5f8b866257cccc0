package kinds

import (
	"fmt"
	"strconv"
)

type NodeStrategy struct {
	BaseStrategy
}

func (s *NodeStrategy) ConfigureContainer(c *Container) {
	if c.Env == nil {
		c.Env = make(map[string]string)
	}
	// lets /run take a call while another one is paused at a breakpoint
	c.Env["__OW_ALLOW_CONCURRENT"] = "true"
}

// the bridge drops the module cache so every call runs the file on disk
const nodeBridge = `
function main(params) {
	const file = %s;
	delete require.cache[require.resolve(file)];
	const mod = require(file);
	const fn = typeof mod === 'function' ? mod : mod[%s] || mod.main;
	if (typeof fn !== 'function') {
		throw new Error('fndebug: ' + file + ' exports no function ' + %s);
	}
	return fn(params);
}
`

func (s *NodeStrategy) MountBridge(file, main string) (string, bool) {
	if main == "" {
		main = "main"
	}
	q := strconv.Quote(main)
	return fmt.Sprintf(nodeBridge, strconv.Quote(file), q, q), true
}
