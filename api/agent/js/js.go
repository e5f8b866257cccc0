// Package js holds the programs installed on the platform: one forwarding
// agent per variant, sharing common.js, and the echo helper of the
// log-record variant.
package js

import (
	"embed"
	"fmt"
)

//go:embed *.js
var sources embed.FS

// Agent returns the program of the agent variant, common.js included.
func Agent(variant string) (string, error) {
	shared, err := sources.ReadFile("common.js")
	if err != nil {
		return "", err
	}
	code, err := sources.ReadFile(variant + ".js")
	if err != nil {
		return "", fmt.Errorf("no agent program for variant %q: %w", variant, err)
	}
	return string(shared) + "\n" + string(code), nil
}

// Echo is the helper program, its activation record is the message.
func Echo() string {
	b, _ := sources.ReadFile("echo.js")
	return string(b)
}
