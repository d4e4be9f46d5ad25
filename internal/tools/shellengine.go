package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// shellEngine is an in-process POSIX shell with persistent cwd/env across
// calls, anchored to a project root (cd outside it is clamped back).
//
// Grounded on the teacher's internal/shell.Shell, adapted in place: the
// Shell tool below owns one shellEngine per Soul instead of per process.
type shellEngine struct {
	mu         sync.Mutex
	root       string
	cwd        string
	env        []string
	blockFuncs []blockFunc
}

func newShellEngine(root string, blockers []blockFunc) *shellEngine {
	if root == "" {
		root, _ = os.Getwd()
	}
	return &shellEngine{root: root, cwd: root, env: os.Environ(), blockFuncs: blockers}
}

func (s *shellEngine) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

func (s *shellEngine) ExecStream(ctx context.Context, command string, stdout, stderr io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCommon(ctx, command, stdout, stderr)
}

func (s *shellEngine) execCommon(ctx context.Context, command string, stdout, stderr io.Writer) (err error) {
	var runner *interp.Runner
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command execution panic: %v", r)
		}
		if runner != nil {
			s.updateFromRunner(runner, stderr)
		}
	}()

	parsed, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("could not parse command: %w", err)
	}

	runner, err = s.newInterp(stdout, stderr)
	if err != nil {
		return fmt.Errorf("could not create interpreter: %w", err)
	}

	return runner.Run(ctx, parsed)
}

func (s *shellEngine) newInterp(stdout, stderr io.Writer) (*interp.Runner, error) {
	return interp.New(
		interp.StdIO(nil, stdout, stderr),
		interp.Interactive(false),
		interp.Env(expand.ListEnviron(s.env...)),
		interp.Dir(s.cwd),
		interp.ExecHandlers(s.blockHandler()),
	)
}

func (s *shellEngine) blockHandler() func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return next(ctx, args)
			}
			for _, bf := range s.blockFuncs {
				if bf(args) {
					return fmt.Errorf("command blocked: %q", args[0])
				}
			}
			return next(ctx, args)
		}
	}
}

func (s *shellEngine) updateFromRunner(runner *interp.Runner, stderr io.Writer) {
	dir := runner.Dir
	if !isSubdir(dir, s.root) {
		fmt.Fprintf(stderr, "[cd rejected: you are anchored to %s]\n", s.root)
		dir = s.root
	}
	s.cwd = dir
	s.env = s.env[:0]
	runner.Env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported {
			s.env = append(s.env, name+"="+vr.Str)
		}
		return true
	})
}

func isSubdir(dir, root string) bool {
	return dir == root || strings.HasPrefix(dir, root+string(os.PathSeparator))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr interp.ExitStatus
	if errors.As(err, &exitErr) {
		return int(exitErr)
	}
	return 1
}

// blockFunc reports whether a command's argv should be refused.
type blockFunc func(args []string) bool

func commandsBlocker(cmds []string) blockFunc {
	blocked := make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		blocked[c] = struct{}{}
	}
	return func(args []string) bool {
		if len(args) == 0 {
			return false
		}
		_, ok := blocked[args[0]]
		return ok
	}
}

// argumentsBlocker blocks cmd when specific subcommand args and/or flags
// are present, e.g. argumentsBlocker("npm", []string{"install"},
// []string{"-g"}) blocks "npm install -g <pkg>" but allows plain installs.
func argumentsBlocker(cmd string, subArgs, flags []string) blockFunc {
	return func(args []string) bool {
		if len(args) == 0 || args[0] != cmd {
			return false
		}
		posArgs, posFlags := splitArgsFlags(args[1:])
		if !prefixMatch(posArgs, subArgs) {
			return false
		}
		if len(flags) > 0 && !flagsPresent(posFlags, flags) {
			return false
		}
		return true
	}
}

func splitArgsFlags(args []string) (positional, flags []string) {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			flags = append(flags, a)
		} else {
			positional = append(positional, a)
		}
	}
	return
}

func prefixMatch(haystack, needle []string) bool {
	if len(haystack) < len(needle) {
		return false
	}
	for i, n := range needle {
		if haystack[i] != n {
			return false
		}
	}
	return true
}

func flagsPresent(actual, required []string) bool {
	have := make(map[string]struct{}, len(actual))
	for _, f := range actual {
		have[f] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// bannedCommands blocks shells/interpreters/indirection vectors, network
// and package-manager tools, and system modification commands — the same
// categories the teacher's description names ("network, sudo, package
// managers, system modification").
var bannedCommands = []string{
	"bash", "sh", "zsh", "fish", "csh", "tcsh", "ksh", "dash",
	"env", "nohup", "xargs", "strace", "ltrace",
	"python", "python3", "python2", "node", "ruby", "perl",
	"php", "lua", "tclsh", "wish",
	"aria2c", "axel", "curl", "curlie", "http-prompt", "httpie",
	"links", "lynx", "nc", "ncat", "scp", "sftp", "ssh",
	"telnet", "w3m", "wget", "xh",
	"doas", "su", "sudo",
	"apk", "apt", "apt-cache", "apt-get", "dnf", "dpkg", "emerge",
	"home-manager", "makepkg", "opkg", "pacman", "paru", "pkg",
	"pkg_add", "pkg_delete", "portage", "rpm", "yay", "yum", "zypper",
	"at", "batch", "chkconfig", "crontab", "fdisk", "mkfs", "mount",
	"parted", "service", "systemctl", "umount",
	"firewall-cmd", "ifconfig", "ip", "iptables", "netstat", "pfctl",
	"route", "ufw",
}

func defaultBlockFuncs() []blockFunc {
	return []blockFunc{
		commandsBlocker(bannedCommands),
		argumentsBlocker("npm", []string{"install"}, []string{"-g"}),
		argumentsBlocker("npm", []string{"install"}, []string{"--global"}),
		argumentsBlocker("pnpm", []string{"add"}, []string{"-g"}),
		argumentsBlocker("pnpm", []string{"add"}, []string{"--global"}),
		argumentsBlocker("yarn", []string{"global"}, nil),
		argumentsBlocker("pip", []string{"install"}, nil),
		argumentsBlocker("pip3", []string{"install"}, nil),
		argumentsBlocker("gem", []string{"install"}, nil),
		argumentsBlocker("cargo", []string{"install"}, nil),
		argumentsBlocker("go", []string{"install"}, nil),
		argumentsBlocker("go", []string{"test"}, []string{"-exec"}),
	}
}
