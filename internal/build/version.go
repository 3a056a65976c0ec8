// Package build carries values stamped in by the linker, e.g.
//
//	go build -ldflags "-X github.com/rohmanhakim/harvester/internal/build.Version=1.2.0 \
//	  -X github.com/rohmanhakim/harvester/internal/build.Commit=$(git rev-parse --short HEAD)" \
//	  ./cmd/harvester
package build

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// FullVersion returns the version string with commit hash appended.
// Format: "Version+Commit" (e.g., "1.0.0+abc123")
func FullVersion() string {
	return Version + "+" + Commit
}

// String is the line printed by `harvester version`.
func String() string {
	return "harvester " + FullVersion() + " (built " + BuildTime + ")"
}
