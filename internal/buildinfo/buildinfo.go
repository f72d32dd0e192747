// Package buildinfo carries version metadata set with -ldflags at build time.
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the metadata exposed on /debug/vars.
func Info() map[string]string {
	return map[string]string{
		"service": "caremap",
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}

// String is the line printed by `caremap version`.
func String() string {
	s := "caremap " + Version
	if Commit != "" {
		s += fmt.Sprintf(" (%s)", Commit)
	}
	if BuiltAt != "" {
		s += " built " + BuiltAt
	}
	return s
}
