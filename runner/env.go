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

package runner

import (
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/switchboard-xyz/function-manager/dispatcher"
	"github.com/switchboard-xyz/function-manager/workload"
)

// Identity is the oracle identity passed to every function container.
type Identity struct {
	Payer          workload.Address
	RewardReceiver workload.Address
	Verifier       workload.Address
	// Contract is the verifying program or contract address
	Contract string
	ChainID  string
}

// Env builds the container environment for a ticket.
func Env(id Identity, t dispatcher.Ticket) []string {
	vars := map[string]string{
		"PAYER":              id.Payer.String(),
		"REWARD_RECEIVER":    id.RewardReceiver.String(),
		"VERIFIER":           id.Verifier.String(),
		"VERIFYING_CONTRACT": id.Contract,
		"CHAIN_ID":           id.ChainID,
		"FUNCTION_KEY":       t.Function.Key.String(),
	}
	if t.FunctionHex != "" {
		vars["FUNCTION_DATA"] = t.FunctionHex
	}
	if t.QueueAuthority != "" {
		vars["QUEUE_AUTHORITY"] = t.QueueAuthority.String()
	}
	if t.Routine != nil {
		vars["FUNCTION_ROUTINE_KEY"] = t.Routine.Key.String()
	}
	if t.RoutineHex != "" {
		vars["FUNCTION_ROUTINE_DATA"] = t.RoutineHex
	}
	if t.RequestHex != "" {
		vars["FUNCTION_REQUEST_DATA"] = t.RequestHex
	}
	if t.Request != nil {
		vars["FUNCTION_REQUEST_KEY"] = t.Request.Key.String()
		// request keys double as call ids on chains that batch calls
		ids, _ := json.Marshal(t.RequestKeys())
		vars["FUNCTION_CALL_IDS"] = string(ids)
	}
	if params := t.Params(); len(params) > 0 {
		vars["FUNCTION_PARAMS"] = base64.StdEncoding.EncodeToString(params)
	}
	ret := make([]string, 0, len(vars))
	for k, v := range vars {
		ret = append(ret, k+"="+v)
	}
	sort.Strings(ret)
	return ret
}
