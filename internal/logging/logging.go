// Package logging wraps gopkg.in/op/go-logging.v1 with the module's
// leveled logger plus the startup banner/section flourishes the teacher
// codebase printed directly with fmt.
package logging

import (
	"fmt"
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var backend = logging.NewLogBackend(os.Stderr, "", 0)

// New returns a logger scoped to the given module name (mirrors the
// module-per-package convention op/go-logging is built around, e.g.
// katzenpost's server/internal/decoy package logs as "decoy").
func New(module string) *logging.Logger {
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{time:15:04:05.000} %{color}%{level:.4s}%{color:reset} %{module}: %{message}`,
	))
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, module)
	logging.SetBackend(leveled)
	return logging.MustGetLogger(module)
}

// SetLevel adjusts the minimum severity logged process-wide.
func SetLevel(level logging.Level) {
	logging.SetLevel(level, "")
}

const (
	colorReset = "\033[0m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

// Banner prints the startup banner. Decoration only, never routed
// through the leveled logger.
func Banner(title, version string) {
	fmt.Printf("%s=== %s ===%s\n", colorCyan, title, colorReset)
	fmt.Printf("%sversion %s%s\n\n", colorGreen, version, colorReset)
}

// Section prints a section header, used for one-off startup milestones.
func Section(title string) {
	fmt.Printf("\n%s-- %s --%s\n", colorCyan, title, colorReset)
}
