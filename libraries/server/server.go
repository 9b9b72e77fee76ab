package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/greymass/dualsink/libraries/logger"
)

// Disabled reports whether a listen address turns the endpoint off.
func Disabled(listen string) bool {
	return listen == "" || listen == "none"
}

// SocketListen opens a unix socket for addresses ending in .sock, TCP otherwise.
func SocketListen(socket string) (net.Listener, error) {
	if strings.HasSuffix(socket, ".sock") {
		os.Remove(socket)
		l, err := net.Listen("unix", socket)
		if err != nil {
			return nil, fmt.Errorf("listen failure (unix socket %s): %w", socket, err)
		}
		if err := os.Chmod(socket, 0777); err != nil {
			l.Close()
			return nil, err
		}
		return l, nil
	}
	l, err := net.Listen("tcp", socket)
	if err != nil {
		return nil, fmt.Errorf("listen failure (tcp %s): %w", socket, err)
	}
	return l, nil
}

// Serve runs handler on l until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, l net.Listener, handler http.Handler, category string) error {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logger.Writer(category), "", 0),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
