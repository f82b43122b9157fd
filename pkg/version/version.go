package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// Commit is the source revision, injected via -ldflags.
var Commit = ""

// String returns Build with the short commit when known.
func String() string {
	if len(Commit) >= 7 {
		return Build + " (" + Commit[:7] + ")"
	}
	return Build
}
