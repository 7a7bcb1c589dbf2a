package reasoner

import (
	"context"
	"fmt"

	"github.com/runplaneHQ/runplane-go/types"
)

// Echo is the built-in demo reasoner: it streams back the latest user turn
// and finishes the run in a single step. Real deployments plug in their own
// Reasoner; Echo exists so the binary works out of the box.
type Echo struct{}

func (Echo) Invoke(ctx context.Context, req Request, stream StreamFunc) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	last := ""
	for i := len(req.Window.Turns) - 1; i >= 0; i-- {
		if req.Window.Turns[i].Role == types.RoleUser {
			last = req.Window.Turns[i].Content
			break
		}
	}

	output := fmt.Sprintf("echo: %s", last)
	if stream != nil {
		stream(Delta{Text: output})
	}
	return Outcome{
		Kind:    OutcomeFinal,
		Output:  output,
		Summary: "echoed the latest user turn",
	}, nil
}
