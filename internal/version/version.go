// Package version holds the package identity reported by the CLI and sent
// as the User-Agent of every outbound request.
package version

const (
	Name        = "ndasynapse"
	Version     = "0.1"
	Description = "NDA to Synapse sync"
	URL         = "http://github.com/bsmn/ndasynapse"
	License     = "MIT"
)

// UserAgent returns the User-Agent header value for HTTP clients
func UserAgent() string {
	return Name + "/" + Version
}
