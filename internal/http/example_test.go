package http_test

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/credential"
	httpserver "github.com/fyrsmithlabs/batchd/internal/http"
	"github.com/fyrsmithlabs/batchd/internal/scheduler"
)

// ExampleServer demonstrates how to create and start the status server.
func ExampleServer() {
	coord, err := credential.NewCoordinator(credential.RefsFor(2))
	if err != nil {
		panic(err)
	}

	logger := zap.NewNop()

	cfg := &httpserver.Config{
		Host: "localhost",
		Port: 0,
	}

	server, err := httpserver.NewServer(coord, scheduler.New(2), logger, cfg)
	if err != nil {
		panic(err)
	}

	// Start server in background
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
