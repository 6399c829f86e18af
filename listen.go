package relayd

import (
	"context"
	"fmt"
	"net"
	"runtime"
)

// listenClients opens the client-facing listeners. With reusePort every CPU
// gets its own socket bound to the same address so the kernel spreads
// accepts; otherwise a single listener is returned.
func listenClients(ctx context.Context, addr string, reusePort bool) ([]net.Listener, error) {
	if !reusePort || !reusePortSupported {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", addr, err)
		}
		return []net.Listener{ln}, nil
	}
	lc := net.ListenConfig{Control: reusePortControl}
	first, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	lns := []net.Listener{first}
	// ":0" resolves to the port the first socket got.
	bound := first.Addr().String()
	for i := 1; i < runtime.NumCPU(); i++ {
		ln, err := lc.Listen(ctx, "tcp", bound)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return nil, fmt.Errorf("listen %s (reuseport %d): %w", bound, i, err)
		}
		lns = append(lns, ln)
	}
	return lns, nil
}
