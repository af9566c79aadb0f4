// Package target models a build's environment matrix: the Cartesian
// product of runtime versions and platform tags that the resolver and
// marker packages evaluate dependency reachability against.
package target

// Target is a single (runtime-version, platform-tag) pair, e.g.
// {"3.12", "linux_x86_64"}.
type Target struct {
	PythonVersion string
	PlatformTag   string
}

// Product returns the Cartesian product of pythonVersions and platforms,
// in version-major order (every platform for the first version, then
// every platform for the second, ...). A build request's effective
// target set is always this product — never either list alone.
func Product(pythonVersions, platforms []string) []Target {
	targets := make([]Target, 0, len(pythonVersions)*len(platforms))

	for _, v := range pythonVersions {
		for _, p := range platforms {
			targets = append(targets, Target{PythonVersion: v, PlatformTag: p})
		}
	}

	return targets
}
