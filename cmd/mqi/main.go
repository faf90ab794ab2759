// mqi is an interactive query runner for a local logic engine. It
// launches the engine (or attaches to a running MQI server), reads
// goals line by line from stdin, and prints each solution as
// "Var = term" lines.
//
// Usage:
//
//	mqi                          # launch a discovered engine
//	mqi --swipl /opt/bin/swipl   # launch a specific executable
//	mqi --attach --port 4242 --password s # attach to a running server
//	echo 'member(X,[1,2,3]).' | mqi
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/zhubert/prolog-mqi/config"
	"github.com/zhubert/prolog-mqi/logger"
	"github.com/zhubert/prolog-mqi/mqi"
	"github.com/zhubert/prolog-mqi/process"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		swiplPath  string
		port       int
		password   string
		unixSocket string
		attach     bool
		timeout    float64
		debug      bool
		configPath string
		clean      bool
	)

	flagSet := pflag.NewFlagSet("mqi", pflag.ContinueOnError)
	flagSet.StringVar(&swiplPath, "swipl", "", "path to the engine executable (default: discover)")
	flagSet.IntVar(&port, "port", 0, "loopback port (pins the launch port, or the attach target with --attach)")
	flagSet.StringVar(&password, "password", "", "shared secret (generated when launching)")
	flagSet.StringVar(&unixSocket, "unix-socket", "", "unix domain socket path instead of TCP")
	flagSet.BoolVar(&attach, "attach", false, "attach to a running MQI server instead of launching one")
	flagSet.Float64Var(&timeout, "timeout", -1, "per-query timeout in seconds (-1 for unlimited)")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.StringVar(&configPath, "config", "", "path to an mqi.yaml defaults file")
	flagSet.BoolVar(&clean, "clean", false, "kill orphaned engine processes and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger.SetDebug(debug)

	if clean {
		killed, err := process.CleanupOrphans(nil)
		if err != nil {
			return err
		}
		fmt.Printf("killed %d orphaned engine process(es)\n", killed)
		return nil
	}

	opts := mqi.Options{
		EnginePath:     swiplPath,
		Port:           port,
		Password:       password,
		UnixSocketPath: unixSocket,
	}

	defaults, err := loadDefaults(configPath)
	if err != nil {
		return err
	}
	opts.ApplyDefaults(defaults)
	if defaults != nil && defaults.Debug != nil && !flagSet.Changed("debug") {
		logger.SetDebug(*defaults.Debug)
	}

	engine, err := openEngine(opts, attach)
	if err != nil {
		return err
	}
	defer engine.Close()

	session, err := engine.OpenSession()
	if err != nil {
		return err
	}
	defer session.Close()

	return repl(session, timeout)
}

// loadDefaults reads the explicit config file when given, otherwise
// the user-level one. A missing file is not an error.
func loadDefaults(path string) (*config.Defaults, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openEngine launches a child engine or attaches to a running server.
func openEngine(opts mqi.Options, attach bool) (*mqi.Engine, error) {
	if attach {
		return mqi.Connect(opts)
	}
	return mqi.Launch(opts)
}

// repl reads goals line by line and prints their solutions.
func repl(session *mqi.Session, timeoutSeconds float64) error {
	queryTimeout := mqi.NoTimeout
	if timeoutSeconds >= 0 {
		queryTimeout = mqi.Seconds(timeoutSeconds)
	}

	interactive := isTerminal(os.Stdin)
	scanner := bufio.NewScanner(os.Stdin)
	if interactive {
		fmt.Print("?- ")
	}

	for scanner.Scan() {
		goal := strings.TrimSpace(scanner.Text())
		if goal == "" || strings.HasPrefix(goal, "%") {
			if interactive {
				fmt.Print("?- ")
			}
			continue
		}
		if goal == "halt." || goal == "halt" {
			return nil
		}

		printResult(session, goal, queryTimeout)
		if interactive {
			fmt.Print("?- ")
		}
	}
	return scanner.Err()
}

// printResult runs one goal and writes its outcome to stdout.
func printResult(session *mqi.Session, goal string, timeout mqi.Timeout) {
	result, err := session.Run(context.Background(), goal, timeout)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if result.Failed {
		fmt.Println("false.")
		return
	}
	for _, solution := range result.Solutions {
		if solution.Len() == 0 {
			fmt.Println("true.")
			continue
		}
		fmt.Println(solution)
	}
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
