package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/geoforge/tilerd/pkg/configs/dispatcher"
	xe "github.com/geoforge/tilerd/pkg/errors"
	xos "github.com/geoforge/tilerd/pkg/utils/os"
)

// Process is one launched worker child.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error

	// Wait blocks until the child exits and reaps it.
	Wait() error
}

// Launcher spawns worker processes bound to loopback ports.
type Launcher interface {
	Launch(port int) (Process, error)
}

// CommandLauncher launches the configured worker runtime as a child
// process. Children write to this process's stdout/stderr; structured
// worker logs go where the runtime's own log config points them.
type CommandLauncher struct {
	Config *dispatcher.Config
	Env    []string
}

func (l CommandLauncher) Launch(port int) (Process, error) {
	args := commandArgs(l.Config, port)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = l.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, xe.Wrap(err)
	}
	return &osProcess{cmd: cmd}, nil
}

func commandArgs(conf *dispatcher.Config, port int) []string {
	if conf.Type == dispatcher.RuntimeRobyn {
		return []string{
			"python", "app_robyn.py",
			"--log-level=" + conf.WorkerLogLevel,
			fmt.Sprintf("--workers=%d", conf.ThreadWorkers),
			"--processes=1",
			fmt.Sprintf("--port=%d", port),
		}
	}
	return []string{
		"granian", "app_granian:app",
		"--interface=" + conf.Interface,
		"--workers=1",
		fmt.Sprintf("--runtime-threads=%d", conf.ThreadWorkers),
		fmt.Sprintf("--blocking-threads=%d", conf.BlockingThreads),
		fmt.Sprintf("--port=%d", port),
		fmt.Sprintf("--backlog=%d", conf.Backlog),
		fmt.Sprintf("--backpressure=%d", conf.Backpressure),
		"--log-config=log_config.json",
	}
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *osProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *osProcess) Kill() error                { return p.cmd.Process.Kill() }
func (p *osProcess) Wait() error                { return p.cmd.Wait() }

// Environ builds the child environment from base (usually
// os.Environ()). When GDAL_HOME is set, its bin and root go onto PATH,
// its lib onto LD_LIBRARY_PATH, and PROJ_LIB defaults to its
// share/proj tree. Without GDAL_HOME the base passes through as-is.
func Environ(base []string) []string {
	gdal := lookupEnv(base, "GDAL_HOME")
	if gdal == "" {
		return base
	}

	env := slices.Clone(base)
	env = setEnv(env, xos.Prepend(env, "PATH", gdal))
	env = setEnv(env, xos.Prepend(env, "PATH", filepath.Join(gdal, "bin")))
	env = setEnv(env, xos.Prepend(env, "LD_LIBRARY_PATH", filepath.Join(gdal, "lib")))
	if lookupEnv(env, "PROJ_LIB") == "" {
		env = setEnv(env, "PROJ_LIB="+filepath.Join(gdal, "share", "proj"))
	}
	return env
}

func lookupEnv(environ []string, name string) string {
	value := ""
	for _, kv := range environ {
		if v, ok := strings.CutPrefix(kv, name+"="); ok {
			value = v
		}
	}
	return value
}

func setEnv(environ []string, entry string) []string {
	name, _, _ := strings.Cut(entry, "=")
	for i, kv := range environ {
		if strings.HasPrefix(kv, name+"=") {
			environ[i] = entry
			return environ
		}
	}
	return append(environ, entry)
}
