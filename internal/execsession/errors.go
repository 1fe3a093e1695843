package execsession

import "errors"

var (
	errEmptyCommand   = errors.New("execsession: empty command")
	errSessionNoStdin = errors.New("execsession: session has no stdin pipe")
)
