package watchdog

import (
	"os"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// ProcessRestarter replaces the running process with a fresh copy of itself,
// keeping the original arguments and environment. In-flight requests are
// dropped.
//
// The pid survives the exec, so children started by this process stay ours;
// hooks must stop and reap them or they end up as zombies nobody waits for.
type ProcessRestarter struct {
	mu    sync.Mutex
	hooks []func()

	// Exec replaces the process image. Defaults to syscall.Exec.
	Exec func(argv0 string, argv []string, envv []string) error
}

// OnRestart registers f to run right before the process is replaced. Hooks
// run in the order they were registered.
func (r *ProcessRestarter) OnRestart(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, f)
}

func (r *ProcessRestarter) Restart() {
	r.mu.Lock()
	hooks := r.hooks
	exec := r.Exec
	r.mu.Unlock()
	for _, f := range hooks {
		f()
	}
	if exec == nil {
		exec = syscall.Exec
	}

	exe, err := os.Executable()
	if err != nil {
		log.Fatal("[Watchdog] Couldn't locate executable: ", err.Error())
	}
	log.Info("[Watchdog] Re-executing ", exe)
	if err := exec(exe, os.Args, os.Environ()); err != nil {
		// exiting lets a supervisor take over
		log.Fatal("[Watchdog] Couldn't restart: ", err.Error())
	}
}
