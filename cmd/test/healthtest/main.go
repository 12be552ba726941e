package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Port        int    `long:"port" description:"port to serve /health on" default:"8080"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
	FailAfter   int    `long:"fail-after" description:"Seconds after which /health starts answering 503 (debug feature)"`
	PIDFile     string `long:"pid-file" description:"write this process id to a file"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running Healthtest, opts: %+v...\n", opts)

	ctx := context.Background()
	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	if opts.PIDFile != "" {
		if err := os.WriteFile(opts.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			fmt.Printf("Failed to write pid file: %v\n", err)
			os.Exit(1)
		}
		defer os.Remove(opts.PIDFile)
	}

	var failing atomic.Bool
	if opts.FailAfter > 0 {
		fmt.Printf("Using FAIL AFTER of %d seconds\n", opts.FailAfter)
		time.AfterFunc(time.Duration(opts.FailAfter)*time.Second, func() {
			fmt.Printf("Healthtest is now failing health checks\n")
			failing.Store(true)
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		fmt.Printf("Failed to listen: %v\n", err)
		os.Exit(1)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go server.Serve(listener)

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	fmt.Printf("Healthtest is fully operational on %s\n", listener.Addr())

	select {
	case receivedSignal := <-sig:
		fmt.Printf("Healthtest received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Healthtest timed out\n")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	fmt.Printf("Healthtest stopped\n")
}
