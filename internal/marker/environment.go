package marker

import (
	"strings"

	"github.com/bilusteknoloji/wheelmirror/internal/target"
)

// Environment is the full PEP 508 marker environment for a single target.
type Environment struct {
	PythonVersion      string
	PythonFullVersion  string
	SysPlatform        string
	OSName             string
	PlatformSystem     string
	ImplementationName string
	PlatformMachine    string
	Extra              string
}

// EnvironmentFor maps a build target to the marker environment bindings
// used to evaluate dependency markers against it.
func EnvironmentFor(t target.Target) Environment {
	sysPlatform := sysPlatformFor(t.PlatformTag)

	osName := "posix"
	platformSystem := "Linux"

	switch sysPlatform {
	case "win32":
		osName = "nt"
		platformSystem = "Windows"
	case "darwin":
		platformSystem = "Darwin"
	}

	return Environment{
		PythonVersion:      t.PythonVersion,
		PythonFullVersion:  t.PythonVersion + ".0",
		SysPlatform:        sysPlatform,
		OSName:             osName,
		PlatformSystem:     platformSystem,
		ImplementationName: "cpython",
		PlatformMachine:    "",
		Extra:              "",
	}
}

// sysPlatformFor derives sys_platform from a wheel-style platform tag.
// Anything not recognized as Windows or macOS is treated as Linux, since
// the registry's platform tags are overwhelmingly "linux_*"/"manylinux*".
func sysPlatformFor(platformTag string) string {
	switch {
	case strings.HasPrefix(platformTag, "win"):
		return "win32"
	case strings.HasPrefix(platformTag, "macosx"):
		return "darwin"
	default:
		return "linux"
	}
}

func (e Environment) lookup(varName string) (string, bool) {
	switch varName {
	case "python_version":
		return e.PythonVersion, true
	case "python_full_version":
		return e.PythonFullVersion, true
	case "sys_platform":
		return e.SysPlatform, true
	case "os_name":
		return e.OSName, true
	case "platform_system":
		return e.PlatformSystem, true
	case "implementation_name":
		return e.ImplementationName, true
	case "platform_machine":
		return e.PlatformMachine, true
	case "extra":
		return e.Extra, true
	default:
		return "", false
	}
}

func isVersionVariable(name string) bool {
	return name == "python_version" || name == "python_full_version"
}
