package common

import "errors"

// ErrModulePaused is returned by Guard when the registry has halted a module.
var ErrModulePaused = errors.New("module paused")

// PauseView answers whether a named module is currently halted. The protocol
// registry implements it; engines only ever read.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects an operation when the module is paused. A nil view or empty
// module name disables the check so tests can run engines unwired.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
