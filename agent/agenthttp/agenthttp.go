// Package agenthttp serves a read-only view of an agent's channel over
// HTTP.
package agenthttp

import (
	"encoding/json"
	"net/http"

	"github.com/rs/cors"

	"github.com/stellar/starlight-channels/agent"
	"github.com/stellar/starlight-channels/state"
)

// Agent is the part of an agent.Agent that is viewed.
type Agent interface {
	Role() state.Role
	Status() agent.Status
	Snapshot() (state.Snapshot, bool)
	Balances() map[string]int64
}

var _ Agent = (*agent.Agent)(nil)

// View is the JSON document served.
type View struct {
	Role     state.Role       `json:"role"`
	Status   agent.Status     `json:"status"`
	Channel  *Channel         `json:"channel,omitempty"`
	Balances map[string]int64 `json:"balances,omitempty"`
}

type Channel struct {
	ID       string       `json:"id"`
	FsmID    string       `json:"fsm_id"`
	Round    uint64       `json:"round"`
	Params   state.Params `json:"params"`
	SignedTx []byte       `json:"signed_tx"`
	Closed   bool         `json:"closed"`
}

func New(a Agent) http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("/", handleView(a))
	return cors.Default().Handler(m)
}

func handleView(a Agent) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		v := View{Role: a.Role(), Status: a.Status()}
		if s, ok := a.Snapshot(); ok {
			v.Channel = &Channel{
				ID:       s.ID,
				FsmID:    s.FsmID,
				Round:    s.Latest.Round,
				Params:   s.Params,
				SignedTx: s.Latest.SignedTx,
				Closed:   s.Closed,
			}
			v.Balances = a.Balances()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err := enc.Encode(v)
		if err != nil {
			panic(err)
		}
	}
}
