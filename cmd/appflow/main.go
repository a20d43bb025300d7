// Command appflow runs the mobile-app and requirements-document workflows
// from a terminal, checkpointing every step so a thread can be resumed
// later, from another process if the store is shared.
//
// Usage:
//
//	appflow run mobile --set app_name=Demo --set platform=android
//	appflow resume mobile <thread> --set deploy_approved=true
//	appflow status mobile <thread>
//	appflow threads
//	appflow devices --platform ios
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newApp(os.Stdout, os.Stderr)).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
