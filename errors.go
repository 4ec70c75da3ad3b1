package unitd

import "errors"

// Errors surfaced by the supervision core. Callers match them with
// errors.Is; most carry wrapped detail about the underlying failure.
var (
	// ErrAlreadyRunning is returned by start when the service already
	// has a live process. No side effects.
	ErrAlreadyRunning = errors.New("service is already running")
	// ErrPrepareFailed is returned when the notification socket or the
	// stdio pipes could not be created. Partial fds are cleaned up.
	ErrPrepareFailed = errors.New("failed to prepare service fds")
	// ErrPrestartFailed is returned when a startpre helper failed;
	// poststop has been run.
	ErrPrestartFailed = errors.New("prestart command failed")
	// ErrPoststartFailed is returned when a startpost helper failed;
	// poststop has been run.
	ErrPoststartFailed = errors.New("poststart command failed")
	// ErrForkExecFailed is returned when the service process could not
	// be spawned.
	ErrForkExecFailed = errors.New("failed to fork service process")
	// ErrReadyTimeout is returned when a notify or dbus service did
	// not report readiness within the start timeout. The service is
	// left running in the Starting state.
	ErrReadyTimeout = errors.New("timed out waiting for service readiness")
	// ErrHelperTimeout is returned when a helper command did not
	// terminate within its timeout; the helper has been SIGKILLed.
	ErrHelperTimeout = errors.New("helper command timed out")
	// ErrStopFailed is returned when a stop helper failed.
	ErrStopFailed = errors.New("stop command failed")
	// ErrPoststopFailed is returned when a poststop helper failed.
	ErrPoststopFailed = errors.New("poststop command failed")
)
