package helper

import (
	"os/user"
	"runtime"
)

const windowsOwner = "1000:1000"

// HostOwner returns the UID:GID of the current user, which is what files
// written into volumes are chowned to.
func HostOwner() string {
	if runtime.GOOS == "windows" {
		return windowsOwner
	}
	u, err := user.Current()
	if err != nil || u.Uid == "" {
		return windowsOwner
	}
	return u.Uid + ":" + u.Gid
}
