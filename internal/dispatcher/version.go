package dispatcher

import (
	"strings"

	"github.com/blang/semver"
)

// VersionFreedom is the development build marker some devices report. It
// compares newer than every released version.
const VersionFreedom = "freedom"

// requestAwareMin is the first Lightning-rod release that accepts the
// Request object alongside the call.
var requestAwareMin = semver.MustParse("0.4.9")

// CompareLRVersions orders two Lightning-rod version strings: -1, 0 or 1.
// Only the first three numeric dotted parts count; "freedom" outranks
// everything; an ill-formed version orders below any well-formed one.
func CompareLRVersions(a, b string) int {
	aFree, bFree := a == VersionFreedom, b == VersionFreedom
	switch {
	case aFree && bFree:
		return 0
	case aFree:
		return 1
	case bFree:
		return -1
	}

	av, aok := parseLR(a)
	bv, bok := parseLR(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return av.Compare(bv)
}

// parseLR keeps at most the first three dotted parts and parses them as a
// (tolerant) semantic version.
func parseLR(s string) (semver.Version, bool) {
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	v, err := semver.ParseTolerant(strings.Join(parts, "."))
	if err != nil {
		return semver.Version{}, false
	}
	return v, true
}

// supportsRequestPayload reports whether a device accepts the versioned
// payload carrying the Request row.
func supportsRequestPayload(lrVersion string) bool {
	if lrVersion == VersionFreedom {
		return true
	}
	v, ok := parseLR(lrVersion)
	if !ok {
		return false
	}
	return v.Compare(requestAwareMin) >= 0
}
