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

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

func TestFilter(t *testing.T) {
	procs := []ProcessInfo{
		{PID: 1, Name: "python", Cmdline: "python -m gunicorn app:api", User: "app", CPU: 12.5, IsPython: true},
		{PID: 2, Name: "python3", Cmdline: "python3 worker.py", User: "root", IsPython: true},
		{PID: 3, Name: "python", Cmdline: "python manage.py runserver", User: "app", IsPython: true},
	}

	tests := []struct {
		name    string
		expr    string
		wantPID []int
	}{
		{"empty matches all", "", []int{1, 2, 3}},
		{"by user", `user == "app"`, []int{1, 3}},
		{"by cmdline", `cmdline contains "worker"`, []int{2}},
		{"by cpu", `cpu > 10`, []int{1}},
		{"combined", `user == "app" && pid > 1`, []int{3}},
		{"none", `name == "node"`, []int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			require.NoError(t, err)

			got, err := f.Apply(procs)
			require.NoError(t, err)

			pids := make([]int, 0, len(got))
			for _, p := range got {
				pids = append(pids, p.PID)
			}
			assert.Equal(t, tt.wantPID, pids)
		})
	}
}

func TestCompileFilter_Errors(t *testing.T) {
	_, err := CompileFilter(`pid +`)
	require.Error(t, err)
	assert.Equal(t, pberrors.CodeInvalidArgs, pberrors.CodeOf(err, ""))

	_, err = CompileFilter(`pid`)
	assert.Error(t, err, "non-boolean expressions are rejected")

	_, err = CompileFilter(`unknown_field == 1`)
	assert.Error(t, err)
}
