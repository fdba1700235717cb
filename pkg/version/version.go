package version

import "os"

// Version is updated automatically as part of the build process
//
// DO NOT EDIT
var Version = undefinedVersion

const undefinedVersion = "undefined"

func init() {
	// Allow the version to be bound at container build time instead of at
	// executable link time to improve incremental rebuild efficiency.
	if Version == undefinedVersion {
		override := os.Getenv("XROOTDRESTART_VERSION_OVERRIDE")
		if override != "" {
			Version = override
		}
	}
}
