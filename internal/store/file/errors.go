package file

import "github.com/pkg/errors"

var (
	ErrEncode = errors.New("error encoding state")
	ErrDecode = errors.New("error decoding state")
	ErrWrite  = errors.New("error writing state file")
	ErrRead   = errors.New("error reading state file")
)
