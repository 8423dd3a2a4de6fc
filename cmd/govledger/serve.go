package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/davidahmann/govledger/core/httpapi"
)

type serveOutput struct {
	OK     bool   `json:"ok"`
	Listen string `json:"listen,omitempty"`
	errorFields
}

func runServe(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Serve the governance API over HTTP using the workspace ledger and stores.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"config": true, "listen": true})
	var common commonFlags
	flagSet := newFlagSet("serve", &common)
	var listenAddr string
	flagSet.StringVar(&listenAddr, "listen", "", "listen address; defaults to server.listen from config")

	if err := flagSet.Parse(arguments); err != nil {
		return writeServeOutput(common.jsonOutput, serveOutput{errorFields: errorFieldsFor(err, exitInvalidInput)}, exitInvalidInput)
	}
	if common.help {
		printUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return serveFailure(common.jsonOutput, wrapInvalid(fmt.Errorf("unexpected positional arguments")))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(ctx, common.configPath, true)
	if err != nil {
		return serveFailure(common.jsonOutput, err)
	}
	defer func() { _ = ws.Close() }()

	handler, err := httpapi.NewHandler(httpapi.Options{
		Overlay:         ws.overlay,
		Logger:          ws.logger,
		MaxRequestBytes: ws.config.Server.MaxRequestBytes,
	})
	if err != nil {
		return serveFailure(common.jsonOutput, err)
	}
	if strings.TrimSpace(listenAddr) == "" {
		listenAddr = ws.config.Server.Listen
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return serveFailure(common.jsonOutput, err)
	}
	if code := writeServeOutput(common.jsonOutput, serveOutput{OK: true, Listen: listener.Addr().String()}, exitOK); code != exitOK {
		_ = listener.Close()
		return code
	}
	ws.logger.Info("serving", "listen", listener.Addr().String(), "ledger", ws.config.Ledger.Path, "entries", ws.ledger.Len())

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return serveFailure(common.jsonOutput, err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.logger.Error("shutdown", "err", err)
			return exitInternalFailure
		}
		ws.logger.Info("stopped")
	}
	return exitOK
}

func serveFailure(jsonOutput bool, err error) int {
	exitCode := exitCodeForError(err, exitInternalFailure)
	return writeServeOutput(jsonOutput, serveOutput{errorFields: errorFieldsFor(err, exitCode)}, exitCode)
}

func writeServeOutput(jsonOutput bool, output serveOutput, exitCode int) int {
	return emit(jsonOutput, output, exitCode, func() {
		if output.OK {
			fmt.Printf("serve listening=%s\n", output.Listen)
			return
		}
		fmt.Printf("serve error: %s\n", output.Error)
	})
}
