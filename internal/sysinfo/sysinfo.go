// Package sysinfo collects information about the gateway host and build.
package sysinfo

import (
	"net"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// Version is the gateway version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/opendq/internal/sysinfo.Version=v1.0.0"
	Version = "dev"

	// startTime is when the gateway started.
	startTime     time.Time
	startTimeOnce sync.Once
)

func init() {
	startTimeOnce.Do(func() {
		startTime = time.Now()
	})
	if Version == "dev" {
		Version = enhanceDevVersion()
	}
}

// Info describes the gateway process.
type Info struct {
	Version     string    `json:"version"`
	GoVersion   string    `json:"go_version"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time"`
	Uptime      string    `json:"uptime"`
	IPAddresses []string  `json:"ip_addresses,omitempty"`
}

// Collect gathers local system information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:     Version,
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		PID:         os.Getpid(),
		StartTime:   startTime,
		Uptime:      Uptime().Round(time.Second).String(),
		IPAddresses: GetLocalIPs(),
	}
}

// enhanceDevVersion appends the VCS revision recorded by the Go toolchain,
// or the build start time when there is none.
func enhanceDevVersion() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		var rev string
		dirty := false
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				rev = s.Value
			case "vcs.modified":
				dirty = s.Value == "true"
			}
		}
		if rev != "" {
			if len(rev) > 7 {
				rev = rev[:7]
			}
			if dirty {
				rev += "-dirty"
			}
			return "dev-" + rev
		}
	}
	return "dev-" + startTime.UTC().Format("20060102-150405")
}

// GetLocalIPs returns non-loopback IPv4 addresses.
func GetLocalIPs() []string {
	var ips []string

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		// Skip loopback addresses
		if ipNet.IP.IsLoopback() {
			continue
		}

		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			ips = append(ips, ipv4.String())
		}
	}

	if len(ips) > 10 {
		ips = ips[:10]
	}

	return ips
}

// StartTime returns the gateway start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns the gateway uptime as a duration.
func Uptime() time.Duration {
	return time.Since(startTime)
}
