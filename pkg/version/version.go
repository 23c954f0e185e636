package version

// Set at build time via -ldflags.
var (
	Version   = "0.0.0-dev"
	CommitSHA = "unknown"
)

// Get returns the semantic version of the binary.
func Get() string {
	return Version
}
