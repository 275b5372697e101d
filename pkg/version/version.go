package version

// Build and Commit are injected via -ldflags. Default "dev".
var (
	Build  = "dev"
	Commit = ""
)

// String is Build plus the short commit, if known.
func String() string {
	if Commit == "" {
		return Build
	}
	c := Commit
	if len(c) > 7 {
		c = c[:7]
	}
	return Build + "+" + c
}
