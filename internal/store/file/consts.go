package file

import "os"

const (
	// dirMode is used for the directory holding the state file.
	dirMode os.FileMode = 0o755

	// fileMode is used for the state file itself.
	fileMode os.FileMode = 0o600

	// tmpSuffix marks the file a save is written to before it replaces the
	// state file.
	tmpSuffix = ".tmp"
)
