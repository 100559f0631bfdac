package gps

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultStr2StrOutput is used when STR2STR_OUTPUT is unset.
const DefaultStr2StrOutput = "serial://ttyACM0"

// Str2StrCommand builds the RTKLIB str2str invocation that relays RTK
// corrections from STR2STR_INPUT to STR2STR_OUTPUT. getenv is usually
// os.Getenv.
func Str2StrCommand(ctx context.Context, getenv func(string) string) (*exec.Cmd, error) {
	in := strings.TrimSpace(getenv("STR2STR_INPUT"))
	if in == "" {
		return nil, errors.New("STR2STR_INPUT must be set")
	}
	out := strings.TrimSpace(getenv("STR2STR_OUTPUT"))
	if out == "" {
		out = DefaultStr2StrOutput
	}
	return exec.CommandContext(ctx, "str2str", "-in", in, "-b", "1", "-out", out), nil
}

// StartStr2Str launches str2str in the background. The process is killed
// when ctx is cancelled.
func StartStr2Str(ctx context.Context, getenv func(string) string) (*exec.Cmd, error) {
	cmd, err := Str2StrCommand(ctx, getenv)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start str2str: %w", err)
	}
	return cmd, nil
}
