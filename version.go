package go_shareannounce

import (
	"fmt"
	"runtime"
)

func VersionNumberString() string {
	return "dev"
}

func VersionString() string {
	return fmt.Sprintf("go-shareannounce %s", VersionNumberString())
}

func SystemInfoString() string {
	return fmt.Sprintf("%s; Go %s", VersionString(), runtime.Version())
}
