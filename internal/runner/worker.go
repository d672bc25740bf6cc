package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/vigilo/correlator/internal/rules"
)

// Serve runs the worker side of the protocol until its input closes. It
// is the body of the hidden `correlator rule-worker` mode: the parent
// process writes requests to stdin and reads responses from stdout.
//
// A panicking rule is reported as a failed invocation; the worker itself
// keeps serving.
func Serve(ctx context.Context, reg *rules.Registry, api rules.API, in io.Reader, out io.Writer) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: decode request: %w", err)
		}
		resp := execute(ctx, reg, api, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("worker: encode response: %w", err)
		}
	}
}

func execute(ctx context.Context, reg *rules.Registry, api rules.API, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{Error: fmt.Sprintf("rule %q panicked: %v", req.Rule, r)}
		}
	}()

	rule, ok := reg.Get(req.Rule)
	if !ok {
		return Response{Error: fmt.Sprintf("unknown rule %q", req.Rule)}
	}
	if err := rule.Run(ctx, api, req.MessageID, req.Payload); err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true}
}
