package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxloop/voxloop/pkg/types"
)

// NodeTestParams scripts one exchange against a single node.
type NodeTestParams struct {
	// NodeID selects the node under test.
	NodeID string

	// UserMessage is the caller utterance the node evaluates.
	UserMessage string

	// Vars pre-seeds call variables.
	Vars map[string]any

	// History pre-seeds conversation turns, oldest first.
	History []types.Turn

	// ExtraContext is injected as per-turn context for prompt-mode nodes.
	ExtraContext string
}

// NodeTestResult is the observable outcome of a single-node test run.
type NodeTestResult struct {
	// Reply is the full spoken reply, with any stream drained.
	Reply string

	// NodeID is the node the call would rest on after the turn.
	NodeID string

	// Vars are the call variables after the turn.
	Vars map[string]any

	EndCall    bool
	Transfer   *TransferData
	SMS        *SendSMSData
	AwaitDigit bool
	Reprompt   bool
}

// TestNode runs one user turn against a single node of the agent's flow on
// a throwaway state, so agent designers can check node behavior without
// placing a call.
func (in *Interpreter) TestNode(ctx context.Context, agent *Agent, p NodeTestParams) (*NodeTestResult, error) {
	if err := agent.Index(); err != nil {
		return nil, err
	}
	if agent.Node(p.NodeID) == nil {
		return nil, fmt.Errorf("flow: node %q not in agent %q", p.NodeID, agent.ID)
	}

	state := NewState("node-test", agent.ID)
	state.CurrentNodeID = p.NodeID
	for k, v := range p.Vars {
		state.SetVar(k, v)
	}
	state.History = append(state.History, p.History...)
	if p.UserMessage != "" {
		state.AppendUser(p.UserMessage)
	}

	out, err := in.Process(ctx, agent, state, p.UserMessage, TurnOptions{ExtraContext: p.ExtraContext})
	if err != nil {
		return nil, err
	}

	reply := out.Text
	if out.Stream != nil {
		var b strings.Builder
		for chunk := range out.Stream {
			b.WriteString(chunk.Text)
		}
		reply = b.String()
	}

	return &NodeTestResult{
		Reply:      reply,
		NodeID:     out.NodeID,
		Vars:       state.Vars,
		EndCall:    out.EndCall,
		Transfer:   out.Transfer,
		SMS:        out.SMS,
		AwaitDigit: out.AwaitDigit,
		Reprompt:   out.Reprompt,
	}, nil
}
