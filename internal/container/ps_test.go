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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePSLine(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantNil    bool
		wantPID    int
		wantUser   string
		wantName   string
		wantCmd    string
		wantPython bool
	}{
		{
			name:       "python process",
			line:       "root 1 0.0 0.5 12345 67890 ? Ss 00:00 0:00 python app.py",
			wantPID:    1,
			wantUser:   "root",
			wantName:   "python",
			wantCmd:    "python app.py",
			wantPython: true,
		},
		{
			name:       "absolute interpreter path",
			line:       "app      42  1.5  2.0 98765 43210 ?  Sl   10:00   1:23 /usr/local/bin/python3.12 -m gunicorn  main:app",
			wantPID:    42,
			wantUser:   "app",
			wantName:   "python3.12",
			wantCmd:    "/usr/local/bin/python3.12 -m gunicorn  main:app",
			wantPython: true,
		},
		{
			name:       "non python process",
			line:       "root 7 0.0 0.1 1000 2000 ? S 00:00 0:00 nginx: master process",
			wantPID:    7,
			wantUser:   "root",
			wantName:   "nginx:",
			wantCmd:    "nginx: master process",
			wantPython: false,
		},
		{
			name:    "too few fields",
			line:    "root 1 0.0 0.5 12345 67890 ? Ss 00:00 0:00",
			wantNil: true,
		},
		{
			name:    "non numeric pid",
			line:    "root abc 0.0 0.5 12345 67890 ? Ss 00:00 0:00 python app.py",
			wantNil: true,
		},
		{
			name:    "non numeric cpu",
			line:    "root 1 x 0.5 12345 67890 ? Ss 00:00 0:00 python app.py",
			wantNil: true,
		},
		{
			name:    "empty",
			line:    "",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePSLine(tt.line)
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantPID, got.PID)
			assert.Equal(t, tt.wantUser, got.User)
			assert.Equal(t, tt.wantName, got.Name)
			assert.Equal(t, tt.wantCmd, got.Cmdline)
			assert.Equal(t, tt.wantPython, got.IsPython)
		})
	}
}

func TestParsePS_SkipsHeaderAndBadLines(t *testing.T) {
	out := `USER       PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root         1  0.0  0.5  12345 67890 ?       Ss   00:00   0:00 python app.py
garbage line
root        15  0.0  0.1   2000  1000 ?       S    00:00   0:00 sleep infinity
root        23  3.2  4.1  99999 88888 ?       Sl   00:01   0:05 /venv/bin/python worker.py
`
	procs := parsePS(out)
	require.Len(t, procs, 2)
	assert.Equal(t, 1, procs[0].PID)
	assert.Equal(t, 23, procs[1].PID)
	assert.InDelta(t, 3.2, procs[1].CPU, 0.001)
}

func TestParseProcList(t *testing.T) {
	out := "1 (python) python app.py \n2 (kthreadd) \n9 (sh) sh -c sleep 1 \n"
	procs := parseProcList(out)
	require.Len(t, procs, 1)
	assert.Equal(t, 1, procs[0].PID)
	assert.Equal(t, "python app.py", procs[0].Cmdline)
	assert.Empty(t, procs[0].User)
}

func TestParsePS_Empty(t *testing.T) {
	assert.Empty(t, parsePS(""))
	assert.NotNil(t, parsePS(""))
}
