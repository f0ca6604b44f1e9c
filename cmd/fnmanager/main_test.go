// Copyright 2026 Blink Labs Software
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

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-xyz/function-manager/journal"
	"github.com/switchboard-xyz/function-manager/workload"
)

func TestPrintRuns(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printRuns(&buf, []journal.RunRecord{
		{
			Kind:      workload.KindFunction,
			Key:       "fn1",
			StartedAt: start.UnixNano(),
			EndedAt:   start.Add(1500 * time.Millisecond).UnixNano(),
			Outcome:   journal.OutcomeSuccess,
		},
		{
			Kind:      workload.KindRequest,
			Key:       "req1",
			StartedAt: start.UnixNano(),
			EndedAt:   start.Add(20 * time.Second).UnixNano(),
			Outcome:   journal.OutcomeFailure,
			ErrorCode: 7,
			Error:     "user error",
		},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "STARTED"))
	assert.Contains(t, lines[1], "2024-03-01T12:00:00Z")
	assert.Contains(t, lines[1], "fn1")
	assert.Contains(t, lines[1], "1.5s")
	assert.Contains(t, lines[2], "[7] user error")
}

func TestSecretDecryptRejectsPlaintext(t *testing.T) {
	cmd := secretCommand()
	cmd.SetIn(strings.NewReader("plain"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"decrypt"})
	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	cmd := versionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), programName+" "))
}
