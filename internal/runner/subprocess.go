package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// subprocess is the production Transport: one forked worker process,
// requests on its stdin, responses on its stdout.
type subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dec    *json.Decoder
	logger *zap.Logger
}

// SubprocessFactory forks workers running the given argv, typically the
// correlator binary itself in rule-worker mode. Worker stderr is
// inherited so rule logs surface in the parent's stream.
func SubprocessFactory(argv []string, logger *zap.Logger) TransportFactory {
	return func() (Transport, error) {
		cmd := exec.Command(argv[0], argv[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("runner: stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("runner: stdout pipe: %w", err)
		}
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("runner: start worker: %w", err)
		}
		logger.Debug("rule worker started", zap.Int("pid", cmd.Process.Pid))
		return &subprocess{
			cmd:    cmd,
			stdin:  stdin,
			enc:    json.NewEncoder(stdin),
			dec:    json.NewDecoder(stdout),
			logger: logger,
		}, nil
	}
}

func (s *subprocess) Call(req Request, timeout time.Duration) (Response, error) {
	if err := s.enc.Encode(req); err != nil {
		s.kill()
		return Response{}, fmt.Errorf("%w: write request: %v", ErrRuleCrashed, err)
	}

	type outcome struct {
		resp Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		var resp Response
		err := s.dec.Decode(&resp)
		ch <- outcome{resp: resp, err: err}
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case o := <-ch:
		if o.err != nil {
			s.kill()
			return Response{}, fmt.Errorf("%w: %v", ErrRuleCrashed, o.err)
		}
		return o.resp, nil
	case <-deadline:
		s.kill()
		s.logger.Warn("rule worker killed on timeout",
			zap.String("rule", req.Rule),
			zap.String("message_id", req.MessageID),
			zap.Duration("timeout", timeout),
		)
		return Response{}, fmt.Errorf("%w: rule %s after %s", ErrRuleTimeout, req.Rule, timeout)
	}
}

// Close asks the worker to exit by closing its stdin, then reaps it.
func (s *subprocess) Close() {
	_ = s.stdin.Close()
	_ = s.cmd.Wait()
}

func (s *subprocess) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
