package version

// Version is injected at build time:
//
//	go build -ldflags "-X github.com/liamg/connscan/version.Version=v1.0.0"
var Version string
