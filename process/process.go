// Package process provides utilities for finding and cleaning up engine
// processes left behind by crashed hosts. A host that dies without
// running its engine handle's release path can leak the child; these
// helpers find such orphans by their MQI startup goal on the command
// line.
package process

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/zhubert/prolog-mqi/logger"
)

// EngineProcess represents a running engine process found on the system.
type EngineProcess struct {
	PID     int    // Process ID
	Command string // Full command line
}

// mqiPattern matches engine processes started for MQI: the startup
// goal only appears on command lines this library (or a sibling
// client) constructed.
const mqiPattern = "swipl.*mqi_start"

// FindEngineProcesses finds all running MQI engine processes on the
// system. This is useful for detecting orphaned children that may have
// been left behind after a host crash. On Windows every swipl process
// is reported; the command line is not inspected for the startup goal.
func FindEngineProcesses() ([]EngineProcess, error) {
	var processes []EngineProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		// Use pgrep to find engine processes by their startup goal
		cmd := exec.Command("pgrep", "-f", mqiPattern)
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		pids := strings.Fields(string(output))
		for _, pidStr := range pids {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			// Get the full command line for this PID
			psCmd := exec.Command("ps", "-p", pidStr, "-o", "args=")
			psOutput, err := psCmd.Output()
			if err != nil {
				continue
			}

			processes = append(processes, EngineProcess{
				PID:     pid,
				Command: strings.TrimSpace(string(psOutput)),
			})
		}

	case "windows":
		// Use tasklist on Windows
		cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq swipl*", "/FO", "CSV", "/NH")
		output, err := cmd.Output()
		if err != nil {
			return nil, err
		}

		lines := strings.Split(string(output), "\n")
		for _, line := range lines {
			fields := strings.Split(line, ",")
			if len(fields) >= 2 {
				pidStr := strings.Trim(strings.TrimSpace(fields[1]), "\"")
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					continue
				}
				processes = append(processes, EngineProcess{
					PID:     pid,
					Command: strings.Trim(fields[0], "\""),
				})
			}
		}
	}

	log.Debug("found engine processes", "count", len(processes))
	return processes, nil
}

// FindOrphanedEngineProcesses finds engine processes whose PIDs are not
// in the known set. Hosts that track their live engines can pass the
// PIDs they own and treat the remainder as leaked.
func FindOrphanedEngineProcesses(knownPIDs map[int]bool) ([]EngineProcess, error) {
	processes, err := FindEngineProcesses()
	if err != nil {
		return nil, err
	}

	var orphans []EngineProcess
	for _, proc := range processes {
		if !knownPIDs[proc.PID] {
			orphans = append(orphans, proc)
		}
	}
	return orphans, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("kill", "-9", strconv.Itoa(pid))
		return cmd.Run()
	case "windows":
		cmd := exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid))
		return cmd.Run()
	}
	return nil
}

// CleanupOrphans kills every orphaned engine process and returns how
// many were killed. Kill failures are logged and skipped; a process
// that exited between discovery and kill is not an error.
func CleanupOrphans(knownPIDs map[int]bool) (int, error) {
	log := logger.WithComponent("process")

	orphans, err := FindOrphanedEngineProcesses(knownPIDs)
	if err != nil {
		return 0, err
	}

	killed := 0
	for _, proc := range orphans {
		if err := KillProcess(proc.PID); err != nil {
			log.Debug("failed to kill orphan (may have exited)", "pid", proc.PID, "error", err)
			continue
		}
		log.Info("killed orphaned engine", "pid", proc.PID, "command", proc.Command)
		killed++
	}
	return killed, nil
}
