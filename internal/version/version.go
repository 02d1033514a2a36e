// Package version provides build and version information for the trip worker
// and webhook server.
package version

// Version is the current release version. Override at build time with:
//
//	go build -ldflags "-X github.com/AaronLay10/SentientTrips/internal/version.Version=x.y.z"
var Version = "0.4.0"

// UserAgent is sent on outbound provider and alert requests.
func UserAgent() string {
	return "SentientTrips/" + Version
}
