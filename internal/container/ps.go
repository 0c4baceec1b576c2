// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package container

import (
	"path"
	"strconv"
	"strings"
)

// psFields is the number of columns in `ps aux` output. The last column is
// the full command line and may itself contain spaces.
const psFields = 11

// procListScript enumerates /proc when ps is not installed. Each line is
// "PID (comm) cmdline...".
const procListScript = `for pid in /proc/[0-9]*; do ` +
	`echo "$(cat $pid/stat 2>/dev/null | cut -d" " -f1,2) ` +
	`$(cat $pid/cmdline 2>/dev/null | tr "\0" " ")"; ` +
	`done`

// ParsePSLine parses one line of `ps aux` output. It returns nil for lines
// that do not have all eleven columns or whose numeric columns do not parse.
func ParsePSLine(line string) *ProcessInfo {
	fields := splitN(strings.TrimSpace(line), psFields)
	if len(fields) < psFields {
		return nil
	}

	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil
	}
	cpu, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil
	}
	mem, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return nil
	}

	return newProcessInfo(pid, fields[0], fields[psFields-1], cpu, mem)
}

// ParseProcLine parses one line produced by procListScript. Kernel threads
// with an empty command line are skipped.
func ParseProcLine(line string) *ProcessInfo {
	fields := splitN(strings.TrimSpace(line), 3)
	if len(fields) < 3 {
		return nil
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil
	}
	cmdline := strings.TrimSpace(fields[2])
	if cmdline == "" {
		return nil
	}
	return newProcessInfo(pid, "", cmdline, 0, 0)
}

func newProcessInfo(pid int, user, cmdline string, cpu, mem float64) *ProcessInfo {
	name := ""
	if first := strings.Fields(cmdline); len(first) > 0 {
		name = path.Base(first[0])
	}
	return &ProcessInfo{
		PID:      pid,
		Name:     name,
		Cmdline:  cmdline,
		User:     user,
		CPU:      cpu,
		Mem:      mem,
		IsPython: strings.Contains(strings.ToLower(name), "python") || strings.HasPrefix(cmdline, "python"),
	}
}

// parsePS parses full `ps aux` output, skipping the header, and keeps python
// processes. Unparsable lines are dropped.
func parsePS(out string) []ProcessInfo {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	return collectPython(lines, ParsePSLine)
}

// parseProcList parses procListScript output, which has no header.
func parseProcList(out string) []ProcessInfo {
	return collectPython(strings.Split(strings.TrimSpace(out), "\n"), ParseProcLine)
}

func collectPython(lines []string, parse func(string) *ProcessInfo) []ProcessInfo {
	procs := make([]ProcessInfo, 0)
	for _, line := range lines {
		if p := parse(line); p != nil && p.IsPython {
			procs = append(procs, *p)
		}
	}
	return procs
}

// splitN splits s on runs of whitespace into at most n fields; the last
// field keeps the remainder with its internal spacing.
func splitN(s string, n int) []string {
	var out []string
	for len(out) < n-1 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return out
		}
		i := strings.IndexAny(s, " \t")
		if i < 0 {
			return append(out, s)
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	s = strings.TrimLeft(s, " \t")
	if s != "" {
		out = append(out, s)
	}
	return out
}
