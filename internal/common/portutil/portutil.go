// Package portutil allocates local TCP ports for execution-environment
// server processes and expands $PORT placeholders in profile launch args.
package portutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// AllocatePort asks the OS for a free TCP port. The listener is closed
// before returning, so the port is free for the server about to start.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// SubstitutePort replaces $PORT and ${PORT} in launch arguments with the
// allocated port. Arguments without a placeholder pass through unchanged.
func SubstitutePort(args []string, port int) []string {
	portStr := strconv.Itoa(port)
	out := make([]string, len(args))
	for i, arg := range args {
		arg = strings.ReplaceAll(arg, "${PORT}", portStr)
		arg = strings.ReplaceAll(arg, "$PORT", portStr)
		out[i] = arg
	}
	return out
}
