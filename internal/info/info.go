package info

// Version is overridden at build time:
//
//	go build -ldflags "-X github.com/stumble/jsbox/internal/info.version=v1.2.3"
var version = "dev"

func GetVersion() string {
	return version
}
