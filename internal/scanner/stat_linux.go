package scanner

import (
	"io/fs"
	"syscall"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// statFromFileInfo converts an os.Lstat result into the wire Stat
// shape of spec.md §3, including the platform fields (owner/group/
// dev/ino/rdev/nlink) available through the Linux *syscall.Stat_t
// underlying fs.FileInfo.Sys().
func statFromFileInfo(fi fs.FileInfo) (*wire.Stat, int32) {
	stat := &wire.Stat{
		Size:  uint64(fi.Size()),
		Mtime: fi.ModTime().Unix(),
		Mode:  uint32(fi.Mode().Perm()),
	}

	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		stat.Owner = sys.Uid
		stat.Group = sys.Gid
		stat.Ctime = sys.Ctim.Sec
		stat.Atime = sys.Atim.Sec
		stat.Dev = uint64(sys.Dev)
		stat.Ino = sys.Ino
		stat.Rdev = uint64(sys.Rdev)
		stat.Nlink = uint64(sys.Nlink)
	}

	return stat, fileTypeOf(fi.Mode())
}

func fileTypeOf(mode fs.FileMode) int32 {
	switch {
	case mode&fs.ModeSymlink != 0:
		return wire.FileTypeSymlink
	case mode.IsDir():
		return wire.FileTypeDirectory
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		return wire.FileTypeCharacterDevice
	case mode&fs.ModeDevice != 0:
		return wire.FileTypeBlockDevice
	case mode&fs.ModeNamedPipe != 0:
		return wire.FileTypeFifo
	case mode&fs.ModeSocket != 0:
		return wire.FileTypeSocket
	case mode.IsRegular():
		return wire.FileTypeRegular
	default:
		return wire.FileTypeUnknown
	}
}
