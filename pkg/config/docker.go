package config

import (
	"os"
	"strings"
	"sync"
)

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker returns true if the process runs inside a Docker container.
// Detection is based on /.dockerenv; the result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal when
// running in Docker so that a database on the host machine stays reachable.
// SQL Server style suffixes are preserved: "localhost\SQLEXPRESS" and
// "127.0.0.1,1433" keep their instance name and port.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	return rewriteLoopback(host)
}

func rewriteLoopback(host string) string {
	name, suffix := host, ""
	if i := strings.IndexAny(host, `\,:`); i >= 0 {
		name, suffix = host[:i], host[i:]
	}
	switch strings.ToLower(name) {
	case "localhost", "127.0.0.1", "(local)", ".":
		return "host.docker.internal" + suffix
	}
	return host
}
