package domain

import "errors"

// ErrProcessNotFound is returned when no state is stored for a module and
// process id.
var ErrProcessNotFound = errors.New("process_not_found")

// ErrModuleNotFound is returned when a module name is unknown to the module
// source.
var ErrModuleNotFound = errors.New("module_not_found")
